package codec

import (
	"strings"
	"testing"

	"axon/internal/toolscore"
)

func searchCapability() toolscore.Capability {
	return toolscore.Capability{
		ServerID:    "web",
		Action:      "search",
		Description: "Search the web",
		Parameters: []toolscore.Parameter{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "int"},
		},
	}
}

func TestResolveParamsJSONObject(t *testing.T) {
	params, err := ResolveParams(`{"query": "go generics", "limit": 3}`, searchCapability())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params["query"] != "go generics" || params["limit"] != float64(3) {
		t.Fatalf("params: %+v", params)
	}
}

func TestResolveParamsRepairsBrokenJSON(t *testing.T) {
	// Single quotes and a trailing comma, the two classic model glitches.
	params, err := ResolveParams(`{'query': 'go generics',}`, searchCapability())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params["query"] != "go generics" {
		t.Fatalf("params: %+v", params)
	}
}

func TestResolveParamsFreeTextMapsToSoleRequired(t *testing.T) {
	params, err := ResolveParams("how do goroutines work", searchCapability())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params["query"] != "how do goroutines work" {
		t.Fatalf("params: %+v", params)
	}
}

func TestResolveParamsFreeTextAmbiguous(t *testing.T) {
	capability := searchCapability()
	capability.Parameters = append(capability.Parameters, toolscore.Parameter{Name: "site", Type: "string", Required: true})
	_, err := ResolveParams("just text", capability)
	if err == nil {
		t.Fatalf("two required fields cannot take free text")
	}
	if !strings.Contains(err.Error(), "query") || !strings.Contains(err.Error(), "site") {
		t.Fatalf("error must list expected fields: %v", err)
	}
}

func TestResolveParamsEmpty(t *testing.T) {
	if _, err := ResolveParams("", searchCapability()); err == nil {
		t.Fatalf("empty payload with a required field must fail")
	}
	noParams := toolscore.Capability{ServerID: "clock", Action: "now"}
	params, err := ResolveParams("", noParams)
	if err != nil || len(params) != 0 {
		t.Fatalf("parameterless action: %v %v", params, err)
	}
}
