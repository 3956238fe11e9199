package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMergeWindowMinutes applies to groups that declare no window.
const DefaultMergeWindowMinutes = 30

// GeneralGroup is the group for labels that belong to no declared group.
const GeneralGroup = "General"

// CategoryGroup is one named group of category labels.
type CategoryGroup struct {
	Name        string
	MergeWindow time.Duration
	Items       []string
}

// Categories is the canonical, read-only category table. It is built once
// by ParseCategories and shared by the categorizer and the timeline.
type Categories struct {
	groups   map[string]CategoryGroup
	order    []string
	parentOf map[string]string
	fallback time.Duration
}

// GroupOf returns the group a label belongs to, or "General".
func (c *Categories) GroupOf(label string) string {
	if c == nil {
		return GeneralGroup
	}
	if g, ok := c.parentOf[label]; ok {
		return g
	}
	return GeneralGroup
}

// MergeWindow returns the group's window, else the General group's window,
// else the fallback window.
func (c *Categories) MergeWindow(group string) time.Duration {
	if c == nil {
		return DefaultMergeWindowMinutes * time.Minute
	}
	if g, ok := c.groups[group]; ok {
		return g.MergeWindow
	}
	if g, ok := c.groups[GeneralGroup]; ok {
		return g.MergeWindow
	}
	return c.fallback
}

// Labels returns every item label in group order, then declaration order.
func (c *Categories) Labels() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, name := range c.order {
		out = append(out, c.groups[name].Items...)
	}
	return out
}

// Groups returns the groups sorted by name.
func (c *Categories) Groups() []CategoryGroup {
	if c == nil {
		return nil
	}
	out := make([]CategoryGroup, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.groups[name])
	}
	return out
}

// ParseCategories normalizes the two accepted category schemas:
//
//	Meals: {items: [Breakfast, Lunch], merge_window_min: 30}   (nested)
//	Meals: [Breakfast, Lunch]                                  (flat)
//
// Flat groups get the fallback merge window.
func ParseCategories(raw map[string]any, fallback time.Duration) (*Categories, error) {
	c := &Categories{
		groups:   make(map[string]CategoryGroup, len(raw)),
		parentOf: make(map[string]string),
		fallback: fallback,
	}

	for name, v := range raw {
		group := CategoryGroup{Name: name, MergeWindow: fallback}
		switch meta := v.(type) {
		case map[string]any:
			items, err := toStrings(meta["items"])
			if err != nil {
				return nil, fmt.Errorf("category group %q: %w", name, err)
			}
			group.Items = items
			if w, ok := meta["merge_window_min"]; ok {
				minutes, err := toMinutes(w)
				if err != nil {
					return nil, fmt.Errorf("category group %q: %w", name, err)
				}
				group.MergeWindow = time.Duration(minutes) * time.Minute
			}
		case []any:
			items, err := toStrings(meta)
			if err != nil {
				return nil, fmt.Errorf("category group %q: %w", name, err)
			}
			group.Items = items
		case nil:
		default:
			return nil, fmt.Errorf("category group %q: unsupported value of type %T", name, v)
		}

		c.groups[name] = group
		c.order = append(c.order, name)
	}

	sort.Strings(c.order)
	for _, name := range c.order {
		for _, item := range c.groups[name].Items {
			// first group in name order wins for duplicated labels
			if _, dup := c.parentOf[item]; !dup {
				c.parentOf[item] = name
			}
		}
	}
	return c, nil
}

// LoadCategoriesFile reads a JSON or YAML category file in either schema.
func LoadCategoriesFile(path string, fallback time.Duration) (*Categories, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading categories: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing categories: %w", err)
	}
	return ParseCategories(raw, fallback)
}

func toStrings(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("items must be a list, got %T", v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %v is not a string", item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func toMinutes(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("merge_window_min %q is not a number", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("merge_window_min has unsupported type %T", v)
}
