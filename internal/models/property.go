package models

// Property is a real-estate listing as returned by the gateway.
// Numeric fields the gateway may omit are pointers.
type Property struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string   `json:"name" yaml:"name"`
	Address     string   `json:"address" yaml:"address"`
	Price       float64  `json:"price" yaml:"price"`
	Bedrooms    *int     `json:"bedrooms,omitempty" yaml:"bedrooms,omitempty"`
	Bathrooms   *int     `json:"bathrooms,omitempty" yaml:"bathrooms,omitempty"`
	Area        *float64 `json:"area,omitempty" yaml:"area,omitempty"`
	Image       string   `json:"image,omitempty" yaml:"image,omitempty"`
	Images      []string `json:"images,omitempty" yaml:"images,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Features    []string `json:"features,omitempty" yaml:"features,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}
