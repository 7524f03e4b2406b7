package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkerDetector(t *testing.T) {
	cases := []struct {
		file string
		want string
	}{
		{"go.mod", "go"},
		{"package.json", "typescript"},
		{"pyproject.toml", "python"},
		{"requirements.txt", "python"},
		{"CMakeLists.txt", "cpp"},
		{"thing.csproj", "csharp"},
		{"thing.sln", "csharp"},
	}
	for _, c := range cases {
		t.Run(c.file, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, c.file), []byte{}, 0o644); err != nil {
				t.Fatal(err)
			}
			lang, ok := MarkerDetector{}.Detect(dir)
			if !ok || lang != c.want {
				t.Fatalf("Detect() = %q, %v; want %q", lang, ok, c.want)
			}
		})
	}
}

func TestMarkerDetectorNoMatch(t *testing.T) {
	dir := t.TempDir()
	if _, ok := (MarkerDetector{}).Detect(dir); ok {
		t.Fatalf("expected no match in empty dir")
	}
}
