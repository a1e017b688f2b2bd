package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/wolfeidau/estatedash/internal/gateway"
)

// RequestCmd sends an authorized request to any gateway path.
type RequestCmd struct {
	Method string            `arg:"" help:"HTTP method" enum:"GET,POST,PUT,PATCH,DELETE"`
	Path   string            `arg:"" help:"path relative to the gateway URL, may include a query"`
	Data   string            `help:"JSON request body, or @file to read it from a file" short:"d"`
	Header map[string]string `help:"extra request headers" short:"H"`
}

func (r *RequestCmd) Run(ctx context.Context, globals *Globals) error {
	a, closeApp, err := open(ctx, globals, "")
	if err != nil {
		return err
	}
	defer closeApp()

	req, err := r.request()
	if err != nil {
		return err
	}

	resp, err := a.Gateway.Do(ctx, req)
	if err != nil {
		return explain(err)
	}

	out := globals.out()
	if len(resp.Body) == 0 {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, err = pretty.WriteTo(out)
		return err
	}

	_, err = out.Write(resp.Body)
	return err
}

func (r *RequestCmd) request() (*gateway.Request, error) {
	path, rawQuery, _ := strings.Cut(r.Path, "?")

	req := &gateway.Request{Method: r.Method, Path: path}

	if rawQuery != "" {
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, fmt.Errorf("invalid query: %w", err)
		}
		req.Query = query
	}

	if r.Data != "" {
		data := []byte(r.Data)
		if file, ok := strings.CutPrefix(r.Data, "@"); ok {
			var err error
			if data, err = os.ReadFile(file); err != nil {
				return nil, fmt.Errorf("failed to read request body: %w", err)
			}
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("request body is not valid JSON")
		}
		req.Body = json.RawMessage(data)
	}

	if len(r.Header) > 0 {
		req.Header = http.Header{}
		for k, v := range r.Header {
			req.Header.Set(k, v)
		}
	}

	return req, nil
}
