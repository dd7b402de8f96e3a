package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// render writes v in the requested format. text renders the human form.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case outputYAML:
		return renderYAML(w, v)
	case outputText:
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// renderYAML goes through JSON so the json struct tags name the keys.
func renderYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to convert output: %w", err)
	}

	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(&node); err != nil {
		return err
	}

	return enc.Close()
}

// blockStyle drops the flow and quoting styles the JSON input carries.
func blockStyle(n *yaml.Node) {
	n.Style = 0

	for _, c := range n.Content {
		blockStyle(c)
	}
}
