package codec

import (
	"strings"
)

// EventType classifies parser output events.
type EventType int

const (
	// EventThink carries scratch-pad text. Never trusted for control flow.
	EventThink EventType = iota
	// EventToolCall carries a complete tool invocation request.
	EventToolCall
	// EventAnswer carries the terminal answer text.
	EventAnswer
	// EventFabricatedResult marks a <result> tag the engine did not inject.
	EventFabricatedResult
	// EventExecuteMarker marks the synthetic <execute_tools/> terminator.
	EventExecuteMarker
	// EventUnknownCall is a tool-call-shaped block naming an unregistered
	// server. Surfaced so the loop can explain the available servers.
	EventUnknownCall
)

// Event is one typed occurrence in the model's output stream.
type Event struct {
	Type   EventType
	Text   string // think or answer content
	Server string
	Action string
	Raw    string // raw parameter payload
}

type parseState int

const (
	stateTop parseState = iota
	stateThink
	stateAnswer
	stateServer
	stateAction
	stateUnknown
	stateHalted
)

// maxTagScan bounds how far ahead an unterminated '<' may wait for its '>'
// before being demoted to literal text.
const maxTagScan = 256

// Parser is a streaming tag parser for model output. It recognizes the
// three top-level tag families (think, tool call, answer), the
// execute_tools marker, and fabricated result tags. Ill-formed output is
// repaired best-effort; each repair increments a counter the engine checks
// against its unparseable-output threshold.
type Parser struct {
	known map[string]bool

	state      parseState
	pending    string
	loose      strings.Builder // top-level text outside any tag
	text       strings.Builder // think/answer accumulation
	raw        strings.Builder // action parameter accumulation
	curServer  string
	curAction  string
	actionDone bool
	unknown    string // unknown top-level tag name
	repairs    int

	events []Event
}

// NewParser creates a parser that treats the given server ids as valid
// tool-call openers.
func NewParser(knownServers []string) *Parser {
	known := make(map[string]bool, len(knownServers))
	for _, s := range knownServers {
		known[s] = true
	}
	return &Parser{known: known}
}

// Repairs returns how many best-effort repairs were applied so far.
func (p *Parser) Repairs() int { return p.repairs }

// Halted reports whether a fabricated result stopped consumption.
func (p *Parser) Halted() bool { return p.state == stateHalted }

// Feed consumes a chunk of streamed output and returns any completed
// events.
func (p *Parser) Feed(chunk string) []Event {
	if p.state == stateHalted {
		return nil
	}
	p.pending += chunk
	p.consume(false)
	events := p.events
	p.events = nil
	return events
}

// Close flushes the stream end: open containers auto-close (counted as
// repairs) and buffered text is emitted.
func (p *Parser) Close() []Event {
	p.consume(true)
	if p.state != stateHalted && p.pending != "" {
		p.routeText(p.pending)
		p.pending = ""
	}
	switch p.state {
	case stateThink:
		p.repairs++
		p.emitThink()
	case stateAnswer:
		// Stop sequences strip the </answer> terminator on every normal
		// answer turn, so this auto-close is not a repair.
		p.emitAnswer()
	case stateAction:
		p.emitToolCall()
	case stateServer:
		if !p.actionDone {
			p.repairs++
		}
	case stateUnknown:
		p.repairs++
		p.finishUnknown()
	}
	if p.state != stateHalted {
		p.state = stateTop
		p.flushLoose()
	}
	events := p.events
	p.events = nil
	return events
}

func (p *Parser) consume(closing bool) {
	for p.state != stateHalted {
		lt := strings.IndexByte(p.pending, '<')
		if lt < 0 {
			p.routeText(p.pending)
			p.pending = ""
			return
		}
		if lt > 0 {
			p.routeText(p.pending[:lt])
			p.pending = p.pending[lt:]
		}

		gt := strings.IndexByte(p.pending, '>')
		if gt < 0 {
			if !closing && len(p.pending) < maxTagScan {
				return // wait for the rest of the tag
			}
			// Oversized or end-of-stream pseudo-tag: demote '<' to text.
			p.routeText(p.pending[:1])
			p.pending = p.pending[1:]
			continue
		}

		inner := p.pending[1:gt]
		rest := p.pending[gt+1:]

		name, isClose, ok := parseTag(inner)
		if !ok {
			p.routeText(p.pending[:1])
			p.pending = p.pending[1:]
			continue
		}
		p.pending = rest
		p.handleTag(name, isClose, "<"+inner+">")
	}
}

// parseTag splits a tag body into its name and close flag. Self-closing
// tags report as open tags; the execute_tools marker is the only expected
// user and it needs no matching close.
func parseTag(inner string) (name string, isClose bool, ok bool) {
	body := strings.TrimSuffix(strings.TrimSpace(inner), "/")
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "/") {
		isClose = true
		body = strings.TrimSpace(body[1:])
	}
	if i := strings.IndexAny(body, " \t\n"); i >= 0 {
		body = body[:i]
	}
	if body == "" || !validTagName(body) {
		return "", false, false
	}
	return body, isClose, true
}

func validTagName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

func (p *Parser) handleTag(name string, isClose bool, literal string) {
	lower := strings.ToLower(name)

	switch p.state {
	case stateTop:
		if isClose {
			// Stray close tag at top level.
			p.repairs++
			return
		}
		switch {
		case lower == "think":
			p.flushLoose()
			p.state = stateThink
		case lower == "answer":
			p.flushLoose()
			p.state = stateAnswer
		case lower == "execute_tools":
			p.flushLoose()
			p.emit(Event{Type: EventExecuteMarker})
		case lower == "result":
			p.flushLoose()
			p.emit(Event{Type: EventFabricatedResult})
			p.state = stateHalted
		case p.known[name]:
			p.flushLoose()
			p.state = stateServer
			p.curServer = name
			p.actionDone = false
		default:
			p.flushLoose()
			p.state = stateUnknown
			p.unknown = name
			p.raw.Reset()
		}

	case stateThink:
		if isClose && lower == "think" {
			p.emitThink()
			p.state = stateTop
			return
		}
		// A forgotten </think> before a control tag: auto-close and replay.
		if !isClose && (lower == "answer" || lower == "execute_tools" || p.known[name]) {
			p.repairs++
			p.emitThink()
			p.state = stateTop
			p.handleTag(name, isClose, literal)
			return
		}
		p.text.WriteString(literal)

	case stateAnswer:
		if isClose && lower == "answer" {
			p.emitAnswer()
			p.state = stateTop
			return
		}
		p.text.WriteString(literal)

	case stateServer:
		if isClose {
			if name == p.curServer {
				if !p.actionDone {
					p.repairs++
				}
				p.state = stateTop
				p.curServer = ""
				return
			}
			p.repairs++
			return
		}
		if lower == "result" {
			p.emit(Event{Type: EventFabricatedResult})
			p.state = stateHalted
			return
		}
		p.curAction = name
		p.raw.Reset()
		p.state = stateAction

	case stateAction:
		if isClose && name == p.curAction {
			p.emitToolCall()
			p.state = stateServer
			p.actionDone = true
			return
		}
		if isClose && name == p.curServer {
			// Missing action close; the server close seals the call.
			p.repairs++
			p.emitToolCall()
			p.state = stateTop
			p.curServer = ""
			return
		}
		p.raw.WriteString(literal)

	case stateUnknown:
		if isClose && name == p.unknown {
			p.finishUnknown()
			p.state = stateTop
			return
		}
		p.raw.WriteString(literal)
	}
}

func (p *Parser) routeText(text string) {
	if text == "" {
		return
	}
	switch p.state {
	case stateTop:
		p.loose.WriteString(text)
	case stateThink, stateAnswer:
		p.text.WriteString(text)
	case stateServer:
		// Loose prose between server and action tags carries no meaning.
		if strings.TrimSpace(text) != "" {
			p.repairs++
		}
	case stateAction, stateUnknown:
		p.raw.WriteString(text)
	}
}

// flushLoose emits accumulated top-level text as think content. Models
// that narrate outside tags are treated as thinking aloud.
func (p *Parser) flushLoose() {
	text := strings.TrimSpace(p.loose.String())
	p.loose.Reset()
	if text != "" {
		p.emit(Event{Type: EventThink, Text: text})
	}
}

func (p *Parser) emitThink() {
	p.emit(Event{Type: EventThink, Text: strings.TrimSpace(p.text.String())})
	p.text.Reset()
}

func (p *Parser) emitAnswer() {
	p.emit(Event{Type: EventAnswer, Text: strings.TrimSpace(p.text.String())})
	p.text.Reset()
}

func (p *Parser) emitToolCall() {
	p.emit(Event{
		Type:   EventToolCall,
		Server: p.curServer,
		Action: p.curAction,
		Raw:    strings.TrimSpace(p.raw.String()),
	})
	p.raw.Reset()
	p.curAction = ""
}

// finishUnknown decides what an unknown top-level tag was: a tool call
// against an unregistered server (nested action tag present) or prose to
// demote to think text.
func (p *Parser) finishUnknown() {
	raw := strings.TrimSpace(p.raw.String())
	p.raw.Reset()
	name := p.unknown
	p.unknown = ""

	if action, params, ok := splitNestedCall(raw); ok {
		p.emit(Event{Type: EventUnknownCall, Server: name, Action: action, Raw: params})
		return
	}
	p.repairs++
	if raw != "" {
		p.emit(Event{Type: EventThink, Text: raw})
	}
}

// splitNestedCall matches raw content of the form <action>params</action>.
func splitNestedCall(raw string) (action, params string, ok bool) {
	if !strings.HasPrefix(raw, "<") {
		return "", "", false
	}
	gt := strings.IndexByte(raw, '>')
	if gt < 0 {
		return "", "", false
	}
	name, isClose, valid := parseTag(raw[1:gt])
	if !valid || isClose {
		return "", "", false
	}
	closeTag := "</" + name + ">"
	end := strings.LastIndex(raw, closeTag)
	if end < gt {
		return "", "", false
	}
	return name, strings.TrimSpace(raw[gt+1 : end]), true
}

func (p *Parser) emit(e Event) {
	p.events = append(p.events, e)
}
