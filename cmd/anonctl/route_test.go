package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nao1215/anonctl/internal/routing"
)

func TestRoutesFromFlags(t *testing.T) {
	t.Parallel()

	exits := []string{"ch"}
	routes := routesFromFlags([]string{"example.com", "example.org"}, exits, 4)
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	for i, target := range []string{"example.com", "example.org"} {
		if routes[i].Target != target || routes[i].Hops != 4 {
			t.Errorf("routes[%d] = %+v", i, routes[i])
		}
	}

	routes[0].ExitCountries[0] = "de"
	if exits[0] != "ch" || routes[1].ExitCountries[0] != "ch" {
		t.Error("routes share the exit country slice")
	}
}

func TestWithDefaultExits(t *testing.T) {
	t.Parallel()

	routes := []routing.Route{
		{Target: "a.example"},
		{Target: "b.example", ExitCountries: []string{"nl"}},
	}
	got := withDefaultExits(routes, []string{"is"})

	if strings.Join(got[0].ExitCountries, ",") != "is" {
		t.Errorf("route without exits = %v, want [is]", got[0].ExitCountries)
	}
	if strings.Join(got[1].ExitCountries, ",") != "nl" {
		t.Errorf("route with exits = %v, want [nl]", got[1].ExitCountries)
	}
	if routes[0].ExitCountries != nil {
		t.Error("input routes were modified")
	}
}

func TestWriteRouteTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeRouteTable(&buf, []routing.Route{
		{Target: "a.example", ExitCountries: []string{"ch", "is"}},
		{Target: "b.example"},
	}, map[string]int{"a.example": 12, "b.example": 13})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "TARGET") {
		t.Errorf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); strings.Join(fields, " ") != "a.example 12 ch,is" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "b.example 13 any" {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestRouteRequiresRoutes(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"route", "--config", writeConfigFile(t, "")})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no routes") {
		t.Errorf("Execute() error = %v, want no routes", err)
	}
}
