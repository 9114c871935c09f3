package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a copy with every field tagged secret:"true" masked.
func (c Config) Redacted() Config {
	rv := reflect.ValueOf(&c).Elem()
	redact(rv)
	return c
}

func redact(rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rv.Field(i)
		switch {
		case f.Kind() == reflect.Struct:
			redact(f)
		case rt.Field(i).Tag.Get("secret") == "true" && f.Kind() == reflect.String && f.String() != "":
			f.SetString(redacted)
		}
	}
}

// YAML renders the configuration in key order, with durations in their
// string form and secrets masked.
func (c Config) YAML() ([]byte, error) {
	node := toNode(reflect.ValueOf(c.Redacted()))
	out, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func toNode(rv reflect.Value) *yaml.Node {
	if d, ok := rv.Interface().(time.Duration); ok {
		return scalar(d.String(), "!!str")
	}
	switch rv.Kind() {
	case reflect.Struct:
		n := &yaml.Node{Kind: yaml.MappingNode}
		rt := rv.Type()
		for i := range rt.NumField() {
			n.Content = append(n.Content,
				scalar(rt.Field(i).Tag.Get("yaml"), "!!str"),
				toNode(rv.Field(i)))
		}
		return n
	case reflect.Slice:
		n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for i := range rv.Len() {
			n.Content = append(n.Content, toNode(rv.Index(i)))
		}
		return n
	case reflect.Bool:
		return scalar(strconv.FormatBool(rv.Bool()), "!!bool")
	case reflect.Int, reflect.Int64:
		return scalar(strconv.FormatInt(rv.Int(), 10), "!!int")
	case reflect.Float64:
		return scalar(strconv.FormatFloat(rv.Float(), 'g', -1, 64), "!!float")
	default:
		return scalar(rv.String(), "!!str")
	}
}

func scalar(value, tag string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
	if tag == "!!str" && value == "" {
		n.Style = yaml.DoubleQuotedStyle
	}
	return n
}
