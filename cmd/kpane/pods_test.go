package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/kpane/internal/panes"
)

func TestPodsCommandPrintsDemoCatalog(t *testing.T) {
	writeConfig(t, "{}\n")
	out := executeRoot(t, "pods", "--demo", "-n", "demo")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two pods, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "NAMESPACE") {
		t.Fatalf("missing header: %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); len(fields) != 3 || fields[1] != "pod-1" || fields[2] != "container-1,container-2" {
		t.Fatalf("unexpected first row %q", lines[1])
	}
}

func TestPodsCommandAllNamespaces(t *testing.T) {
	writeConfig(t, "{}\n")
	out := executeRoot(t, "pods", "--demo", "-n", "demo", "-A")
	if !strings.Contains(out, "demo") || strings.Count(out, "pod-") != 2 {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrintCatalogs(t *testing.T) {
	var buf bytes.Buffer
	err := printCatalogs(&buf, []namespaceCatalog{{
		Namespace: "shop",
		Pods:      panes.Catalog{{Pod: "api", Containers: []string{"app", "proxy"}}},
	}})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "api") || !strings.Contains(buf.String(), "app,proxy") {
		t.Fatalf("unexpected table %q", buf.String())
	}
}
