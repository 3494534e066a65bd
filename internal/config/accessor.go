package config

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "***"

// tree renders cfg as a YAML node tree keyed by the yaml tags.
func tree(cfg *Config) (*yaml.Node, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return &root, nil
}

// walk follows a dotted path through mappings and sequence indexes.
func walk(root *yaml.Node, path string) (*yaml.Node, error) {
	node := root
	for _, key := range strings.Split(path, ".") {
		switch node.Kind {
		case yaml.MappingNode:
			var next *yaml.Node
			for i := 0; i+1 < len(node.Content); i += 2 {
				if node.Content[i].Value == key {
					next = node.Content[i+1]
					break
				}
			}
			if next == nil {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case yaml.SequenceNode:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node.Content) {
				return nil, fmt.Errorf("invalid index %q in %s", key, path)
			}
			node = node.Content[idx]
		default:
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
	}
	return node, nil
}

// GetByPath returns the value at a dotted path such as "storage.sqlite_path".
// Durations come back in their string form.
func GetByPath(cfg *Config, path string) (any, error) {
	root, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	node, err := walk(root, path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

// SetByPath parses value with YAML scalar rules into the leaf at path. cfg is
// left untouched when the path is unknown or the value does not fit the field.
func SetByPath(cfg *Config, path, value string) error {
	if path == "" {
		return errors.New("empty path")
	}
	root, err := tree(cfg)
	if err != nil {
		return err
	}
	leaf := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	node, err := walk(root, path)
	switch {
	case err == nil && node.Kind == yaml.MappingNode:
		return fmt.Errorf("%s is a section, set one of its keys", path)
	case err == nil:
		*node = *leaf
	default:
		// omitempty fields are absent from the tree; add them to their section.
		dot := strings.LastIndex(path, ".")
		if dot < 0 {
			return err
		}
		parent, perr := walk(root, path[:dot])
		if perr != nil || parent.Kind != yaml.MappingNode {
			return err
		}
		parent.Content = append(parent.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: path[dot+1:]}, leaf)
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	updated := *cfg
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// ListPaths maps every leaf path to its current value.
func ListPaths(cfg *Config) map[string]any {
	root, err := tree(cfg)
	if err != nil {
		return nil
	}
	leaves := make(map[string]any)
	collectLeaves(root, "", leaves)
	return leaves
}

func collectLeaves(node *yaml.Node, prefix string, leaves map[string]any) {
	if node.Kind != yaml.MappingNode {
		var v any
		if err := node.Decode(&v); err == nil {
			leaves[prefix] = v
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		path := node.Content[i].Value
		if prefix != "" {
			path = prefix + "." + path
		}
		collectLeaves(node.Content[i+1], path, leaves)
	}
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Codec.Retired = slices.Clone(cfg.Codec.Retired)
	c.Telegram.AllowFrom = slices.Clone(cfg.Telegram.AllowFrom)

	secrets := []*string{&c.Telegram.Token, &c.Codec.Secret, &c.Storage.MongoURI}
	for i := range c.Codec.Retired {
		secrets = append(secrets, &c.Codec.Retired[i].Secret)
	}
	for _, s := range secrets {
		*s = mask(*s)
	}
	if c.Mail.Password != "" {
		c.Mail.Password = redacted
	}
	return &c
}

// mask keeps four characters at each end of long values.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return redacted
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}
