package taxonomy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCategory(t *testing.T) {
	cases := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{in: "A", want: CategoryA},
		{in: " d ", want: CategoryD},
		{in: "B. Manipulation through distraction and diversion", want: CategoryB},
		{in: "E", wantErr: true},
		{in: "AB", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCategory(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownCategory) {
				t.Errorf("ParseCategory(%q) err = %v, want ErrUnknownCategory", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseCategory(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestDefaultTable(t *testing.T) {
	table := Default()
	if table.Version == "" {
		t.Fatal("expected a version")
	}
	if got := len(table.CategoryList()); got != 4 {
		t.Fatalf("categories = %d, want 4", got)
	}
	info, ok := table.Category(CategoryC)
	if !ok || len(info.Groups) != 3 {
		t.Fatalf("category C groups = %+v", info.Groups)
	}
	if info.Name != "C. Manipulation of information and evidence" {
		t.Fatalf("name = %q", info.Name)
	}
	if Default() != table {
		t.Fatal("Default must return the same table")
	}
}

func TestResolve(t *testing.T) {
	table := Default()

	sub, err := table.Resolve(CategoryA, "Minimization (28)")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Number != 28 || sub.Name != "Minimization" || sub.Group != "Reducing Responsibility" {
		t.Fatalf("unexpected subcategory %+v", sub)
	}

	sub, err = table.Resolve(CategoryA, "  euphemism ")
	if err != nil || sub.Label != "Euphemism (4)" {
		t.Fatalf("bare name lookup = %+v, %v", sub, err)
	}

	sub, err = table.Resolve(CategoryD, "personnification des victimes")
	if err != nil || sub.Number != 0 {
		t.Fatalf("unnumbered lookup = %+v, %v", sub, err)
	}

	if _, err := table.Resolve(CategoryB, "Euphemism (4)"); !errors.Is(err, ErrUnknownSubcategory) {
		t.Fatalf("cross-category lookup err = %v", err)
	}
	if _, err := table.Resolve(Category("Z"), "Euphemism"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("unknown category err = %v", err)
	}
}

func TestParseRejectsIncompleteTable(t *testing.T) {
	_, err := Parse([]byte("version: x\ncategories:\n  - code: A\n    label: only\n"))
	if err == nil || !strings.Contains(err.Error(), "missing category B") {
		t.Fatalf("err = %v", err)
	}
	_, err = Parse([]byte("categories: []\n"))
	if err == nil {
		t.Fatal("expected version error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	data := strings.Replace(string(embedded), `version: "2024.1"`, `version: "custom"`, 1)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if table.Version != "custom" {
		t.Fatalf("version = %q", table.Version)
	}
}

func TestOutlineListsEveryLabel(t *testing.T) {
	outline := Default().Outline()
	for _, want := range []string{"Category A: Manipulation of language", "    - Cherry-Picking data (7)", "Personnification des victimes"} {
		if !strings.Contains(outline, want) {
			t.Errorf("outline missing %q", want)
		}
	}
}
