package codec

import (
	"testing"
)

func feedAll(t *testing.T, p *Parser, chunks ...string) []Event {
	t.Helper()
	var events []Event
	for _, chunk := range chunks {
		events = append(events, p.Feed(chunk)...)
	}
	return append(events, p.Close()...)
}

func TestParseThinkCallAnswerTurn(t *testing.T) {
	p := NewParser([]string{"microsandbox"})
	events := feedAll(t, p,
		`<think>run it</think><microsandbox><microsandbox_execute>{"code":"print(1)"}</microsandbox_execute></microsandbox><execute_tools/>`)

	if len(events) != 3 {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Type != EventThink || events[0].Text != "run it" {
		t.Fatalf("think: %+v", events[0])
	}
	call := events[1]
	if call.Type != EventToolCall || call.Server != "microsandbox" || call.Action != "microsandbox_execute" {
		t.Fatalf("call: %+v", call)
	}
	if call.Raw != `{"code":"print(1)"}` {
		t.Fatalf("raw: %q", call.Raw)
	}
	if events[2].Type != EventExecuteMarker {
		t.Fatalf("marker: %+v", events[2])
	}
	if p.Repairs() != 0 {
		t.Fatalf("clean turn repaired %d times", p.Repairs())
	}
}

func TestParseSurvivesArbitraryChunking(t *testing.T) {
	full := `<think>split me</think><web><search>{"query":"go"}</search></web>`
	for _, size := range []int{1, 3, 7} {
		p := NewParser([]string{"web"})
		var chunks []string
		for i := 0; i < len(full); i += size {
			end := i + size
			if end > len(full) {
				end = len(full)
			}
			chunks = append(chunks, full[i:end])
		}
		events := feedAll(t, p, chunks...)
		if len(events) != 2 || events[0].Text != "split me" || events[1].Action != "search" {
			t.Fatalf("size %d: %+v", size, events)
		}
	}
}

func TestParseAnswerAutoCloseIsNotARepair(t *testing.T) {
	// Stop sequences eat </answer>, so every normal final turn ends with
	// an open answer tag.
	p := NewParser(nil)
	events := feedAll(t, p, "<answer>42")
	if len(events) != 1 || events[0].Type != EventAnswer || events[0].Text != "42" {
		t.Fatalf("events: %+v", events)
	}
	if p.Repairs() != 0 {
		t.Fatalf("auto-closed answer counted as repair")
	}
}

func TestParseFabricatedResultHalts(t *testing.T) {
	p := NewParser([]string{"web"})
	events := p.Feed(`<think>lazy</think><result>made up</result><answer>wrong</answer>`)
	if !p.Halted() {
		t.Fatalf("fabricated result must halt the parser")
	}
	last := events[len(events)-1]
	if last.Type != EventFabricatedResult {
		t.Fatalf("events: %+v", events)
	}
	// Nothing after the fabrication is consumed.
	if more := p.Feed("<answer>still wrong</answer>"); more != nil {
		t.Fatalf("halted parser produced %+v", more)
	}
	for _, e := range append(events, p.Close()...) {
		if e.Type == EventAnswer {
			t.Fatalf("answer after fabricated result leaked through")
		}
	}
}

func TestParseFabricatedResultInsideCallSalvagesNothing(t *testing.T) {
	p := NewParser([]string{"web"})
	events := feedAll(t, p, `<web><result>fake</result></web>`)
	var sawCall, sawFabricated bool
	for _, e := range events {
		switch e.Type {
		case EventToolCall:
			sawCall = true
		case EventFabricatedResult:
			sawFabricated = true
		}
	}
	if sawCall || !sawFabricated {
		t.Fatalf("events: %+v", events)
	}
}

func TestParseCallBeforeFabricationIsSalvaged(t *testing.T) {
	p := NewParser([]string{"web"})
	events := feedAll(t, p,
		`<web><search>{"query":"x"}</search></web><execute_tools/><result>fake</result>`)
	var call *Event
	for i := range events {
		if events[i].Type == EventToolCall {
			call = &events[i]
		}
	}
	if call == nil || call.Action != "search" {
		t.Fatalf("pre-fabrication call lost: %+v", events)
	}
	if !p.Halted() {
		t.Fatalf("trailing fabrication must still halt")
	}
}

func TestParseUnknownServerWithNestedAction(t *testing.T) {
	p := NewParser([]string{"web"})
	events := feedAll(t, p, `<filesystem><read_file>{"path":"/etc/hosts"}</read_file></filesystem>`)
	if len(events) != 1 {
		t.Fatalf("events: %+v", events)
	}
	e := events[0]
	if e.Type != EventUnknownCall || e.Server != "filesystem" || e.Action != "read_file" {
		t.Fatalf("unknown call: %+v", e)
	}
	if e.Raw != `{"path":"/etc/hosts"}` {
		t.Fatalf("raw: %q", e.Raw)
	}
}

func TestParseUnknownTagWithProseDemotesToThink(t *testing.T) {
	p := NewParser(nil)
	events := feedAll(t, p, `<reflection>I should be careful here</reflection>`)
	if len(events) != 1 || events[0].Type != EventThink || events[0].Text != "I should be careful here" {
		t.Fatalf("events: %+v", events)
	}
	if p.Repairs() == 0 {
		t.Fatalf("prose in an unknown tag is a repair")
	}
}

func TestParseStrayCloseTagsCountAsRepairs(t *testing.T) {
	p := NewParser(nil)
	feedAll(t, p, "</a></b></c>")
	if p.Repairs() != 3 {
		t.Fatalf("repairs: %d", p.Repairs())
	}
}

func TestParseForgottenThinkCloseBeforeCall(t *testing.T) {
	p := NewParser([]string{"web"})
	events := feedAll(t, p, `<think>no close tag<web><search>{"query":"x"}</search></web>`)
	if len(events) != 2 {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Type != EventThink || events[0].Text != "no close tag" {
		t.Fatalf("think: %+v", events[0])
	}
	if events[1].Type != EventToolCall || events[1].Action != "search" {
		t.Fatalf("call: %+v", events[1])
	}
	if p.Repairs() != 1 {
		t.Fatalf("repairs: %d", p.Repairs())
	}
}

func TestParseLooseTextBecomesThink(t *testing.T) {
	p := NewParser(nil)
	events := feedAll(t, p, "Let me reason out loud. <answer>done</answer>")
	if len(events) != 2 || events[0].Type != EventThink || events[1].Type != EventAnswer {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Text != "Let me reason out loud." {
		t.Fatalf("loose think: %q", events[0].Text)
	}
}

func TestParseLiteralAngleBracketInText(t *testing.T) {
	p := NewParser(nil)
	events := feedAll(t, p, "<think>x < y and y > z</think>")
	if len(events) != 1 || events[0].Text != "x < y and y > z" {
		t.Fatalf("events: %+v", events)
	}
}
