package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harborview/shipsync/internal/config"
)

// httpClient talks to a running engine. Operator commands are short-lived;
// one shared client with a generous timeout is enough.
var httpClient = &http.Client{Timeout: 60 * time.Second}

// baseURL resolves the engine address: --addr wins, then the config file's
// httpAddr with a loopback host filled in for bare ports.
func baseURL() (string, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("cannot resolve engine address (use --addr): %w", err)
		}
		addr = cfg.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func getJSON(path string) (map[string]any, error) {
	base, err := baseURL()
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Get(base + path)
	if err != nil {
		return nil, fmt.Errorf("is the engine running? %w", err)
	}
	return decodeResponse(resp)
}

func postJSON(path string, body any) (map[string]any, error) {
	base, err := baseURL()
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(base+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("is the engine running? %w", err)
	}
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		if msg, ok := out["error"].(string); ok {
			return out, fmt.Errorf("%s", msg)
		}
		return out, fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	return out, nil
}

// printResult renders a response: raw JSON with --json, otherwise indented.
func printResult(v any) {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(enc))
}
