// Package taxonomy holds the closed set of tactic categories and the
// versioned subcategory table used to classify annotations.
package taxonomy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var embedded []byte

type Category string

const (
	CategoryA Category = "A"
	CategoryB Category = "B"
	CategoryC Category = "C"
	CategoryD Category = "D"
)

var allCategories = []Category{CategoryA, CategoryB, CategoryC, CategoryD}

var (
	ErrUnknownCategory    = errors.New("unknown category")
	ErrUnknownSubcategory = errors.New("unknown subcategory")
)

func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory accepts "A".."D" in any case, optionally followed by a
// label such as "A. Manipulation of language".
func ParseCategory(value string) (Category, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrUnknownCategory
	}
	head := strings.ToUpper(trimmed[:1])
	if len(trimmed) > 1 {
		rest := trimmed[1:]
		if !strings.HasPrefix(rest, ".") && !strings.HasPrefix(rest, " ") && !strings.HasPrefix(rest, ":") {
			return "", fmt.Errorf("%w: %q", ErrUnknownCategory, value)
		}
	}
	for _, c := range allCategories {
		if string(c) == head {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, value)
}

type Subcategory struct {
	Label    string   `json:"label"`
	Name     string   `json:"name"`
	Number   int      `json:"number,omitempty"`
	Group    string   `json:"group"`
	Category Category `json:"category"`
}

type Group struct {
	Name          string        `json:"name"`
	Subcategories []Subcategory `json:"subcategories"`
}

type CategoryInfo struct {
	Code   Category `json:"id"`
	Label  string   `json:"label"`
	Name   string   `json:"name"`
	Groups []Group  `json:"groups"`
}

// Table is immutable once loaded.
type Table struct {
	Version    string
	categories map[Category]CategoryInfo
}

type fileCategory struct {
	Code   string `yaml:"code"`
	Label  string `yaml:"label"`
	Groups []struct {
		Name          string   `yaml:"name"`
		Subcategories []string `yaml:"subcategories"`
	} `yaml:"groups"`
}

type fileFormat struct {
	Version    string         `yaml:"version"`
	Categories []fileCategory `yaml:"categories"`
}

var numbered = regexp.MustCompile(`^(.*?)\s*\((\d+)\)\s*$`)

// Parse builds a table from YAML. Every category in the closed set must be
// present and none may be added.
func Parse(data []byte) (*Table, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	if strings.TrimSpace(raw.Version) == "" {
		return nil, errors.New("taxonomy version is required")
	}

	table := &Table{Version: raw.Version, categories: make(map[Category]CategoryInfo, len(raw.Categories))}
	for _, rc := range raw.Categories {
		code, err := ParseCategory(rc.Code)
		if err != nil || len(strings.TrimSpace(rc.Code)) != 1 {
			return nil, fmt.Errorf("taxonomy category %q: %w", rc.Code, ErrUnknownCategory)
		}
		if _, dup := table.categories[code]; dup {
			return nil, fmt.Errorf("taxonomy category %s defined twice", code)
		}
		info := CategoryInfo{
			Code:  code,
			Label: rc.Label,
			Name:  fmt.Sprintf("%s. %s", code, rc.Label),
		}
		seen := map[string]struct{}{}
		for _, rg := range rc.Groups {
			group := Group{Name: rg.Name}
			for _, label := range rg.Subcategories {
				label = strings.TrimSpace(label)
				if label == "" {
					continue
				}
				key := strings.ToLower(label)
				if _, dup := seen[key]; dup {
					return nil, fmt.Errorf("taxonomy category %s: duplicate subcategory %q", code, label)
				}
				seen[key] = struct{}{}
				group.Subcategories = append(group.Subcategories, newSubcategory(code, rg.Name, label))
			}
			info.Groups = append(info.Groups, group)
		}
		table.categories[code] = info
	}
	for _, c := range allCategories {
		if _, ok := table.categories[c]; !ok {
			return nil, fmt.Errorf("taxonomy is missing category %s", c)
		}
	}
	return table, nil
}

func newSubcategory(code Category, group, label string) Subcategory {
	sub := Subcategory{Label: label, Name: label, Group: group, Category: code}
	if m := numbered.FindStringSubmatch(label); m != nil {
		sub.Name = strings.TrimSpace(m[1])
		sub.Number, _ = strconv.Atoi(m[2])
	}
	return sub
}

// Load reads the table from path, or the embedded table when path is empty.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return Parse(data)
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the embedded table, parsed once per process.
func Default() *Table {
	defaultOnce.Do(func() {
		table, err := Parse(embedded)
		if err != nil {
			panic(fmt.Sprintf("embedded taxonomy: %v", err))
		}
		defaultTable = table
	})
	return defaultTable
}

func (t *Table) Category(code Category) (CategoryInfo, bool) {
	info, ok := t.categories[code]
	return info, ok
}

func (t *Table) CategoryList() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(allCategories))
	for _, c := range allCategories {
		out = append(out, t.categories[c])
	}
	return out
}

// Resolve finds the subcategory for label within category. The full label
// matches first, then the bare name without its "(N)" suffix, both
// case-insensitively.
func (t *Table) Resolve(code Category, label string) (Subcategory, error) {
	info, ok := t.categories[code]
	if !ok {
		return Subcategory{}, fmt.Errorf("%w: %q", ErrUnknownCategory, code)
	}
	wanted := strings.ToLower(strings.Join(strings.Fields(label), " "))
	if wanted == "" {
		return Subcategory{}, fmt.Errorf("%w: empty", ErrUnknownSubcategory)
	}
	bare := wanted
	if m := numbered.FindStringSubmatch(wanted); m != nil {
		bare = strings.TrimSpace(m[1])
	}
	var byName *Subcategory
	for _, group := range info.Groups {
		for i := range group.Subcategories {
			sub := group.Subcategories[i]
			if strings.ToLower(sub.Label) == wanted {
				return sub, nil
			}
			if byName == nil && strings.ToLower(sub.Name) == bare {
				byName = &group.Subcategories[i]
			}
		}
	}
	if byName != nil {
		return *byName, nil
	}
	return Subcategory{}, fmt.Errorf("%w: %q in category %s", ErrUnknownSubcategory, label, code)
}

// Outline renders the table as an indented list for prompts and reports.
func (t *Table) Outline() string {
	var b strings.Builder
	for _, info := range t.CategoryList() {
		fmt.Fprintf(&b, "Category %s: %s\n", info.Code, info.Label)
		for _, group := range info.Groups {
			fmt.Fprintf(&b, "%s\n", group.Name)
			for _, sub := range group.Subcategories {
				fmt.Fprintf(&b, "    - %s\n", sub.Label)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
