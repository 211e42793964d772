package codec

import (
	"fmt"
	"strings"

	"axon/internal/llm"
	"axon/internal/toolscore"
)

// StopSequences are the provider stop tokens the engine requires.
// </execute_tools> and </answer> force the model to yield after the first
// tool block or final answer; <result is the defensive stop that cuts a
// fabricated result before it streams.
func StopSequences() []string {
	return []string{"</execute_tools>", "</answer>", "<result"}
}

// PromptInput is everything the builder needs. The builder is pure and
// deterministic given its input: same catalog, same preamble, same task,
// same messages.
type PromptInput struct {
	Catalog         []toolscore.ServerSnapshot
	SessionDigest   string
	SessionRecap    []string // rendered recent steps, oldest first
	TaskDescription string
}

// BuildPrompt produces the initial message set for a reasoning task:
// system contract, capability catalog, optional session preamble, task.
func BuildPrompt(in PromptInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString(systemContract)
	sys.WriteString("\n\n")
	writeCatalog(&sys, in.Catalog)
	sys.WriteString("\n")
	sys.WriteString(workedExamples)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: sys.String()},
	}

	if in.SessionDigest != "" || len(in.SessionRecap) > 0 {
		var pre strings.Builder
		pre.WriteString("Context from earlier tasks in this session:\n")
		if in.SessionDigest != "" {
			pre.WriteString(in.SessionDigest)
			pre.WriteString("\n")
		}
		for _, line := range in.SessionRecap {
			pre.WriteString(line)
			pre.WriteString("\n")
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: strings.TrimRight(pre.String(), "\n")})
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.TaskDescription})
	return messages
}

const systemContract = `You are a task-solving agent. You work in turns. In each turn you may:

1. Reason inside <think>...</think>.
2. Invoke exactly ONE tool, then STOP and wait for its result:
   <SERVER_ID><ACTION_NAME>{"param": "value"}</ACTION_NAME></SERVER_ID><execute_tools/>
3. Or finish with your final answer inside <answer>...</answer>.

Rules you must never break:
- At most one tool invocation per turn. After emitting </execute_tools> you stop and wait.
- Never write a <result> tag yourself. Results are injected by the system after the tool actually runs.
- Parameters are a single JSON object inside the action tag. For actions with exactly one required parameter you may pass plain text instead.
- Use only the servers and actions listed below.`

func writeCatalog(b *strings.Builder, catalog []toolscore.ServerSnapshot) {
	if len(catalog) == 0 {
		b.WriteString("No tool servers are currently available. Answer from your own knowledge.\n")
		return
	}
	b.WriteString("Available tool servers:\n")
	for _, server := range catalog {
		fmt.Fprintf(b, "\n%s:\n", server.ServerID)
		for _, c := range server.Capabilities {
			fmt.Fprintf(b, "  %s — %s", c.Action, c.Description)
			if required := c.RequiredParameters(); len(required) > 0 {
				fmt.Fprintf(b, " (required: %s)", strings.Join(required, ", "))
			}
			b.WriteString("\n")
			for _, p := range c.Parameters {
				fmt.Fprintf(b, "    %s: %s", p.Name, p.Type)
				if p.Description != "" {
					fmt.Fprintf(b, " — %s", p.Description)
				}
				if p.Default != nil {
					fmt.Fprintf(b, " (default %v)", p.Default)
				}
				b.WriteString("\n")
			}
		}
	}
}

const workedExamples = `Two worked examples of the call pattern:

Example 1 — run code:
<think>I need to compute this exactly, so I will run code.</think>
<microsandbox><microsandbox_execute>{"code": "print(2**10)"}</microsandbox_execute></microsandbox><execute_tools/>

Example 2 — answer after a result was injected:
<think>The result shows 1024, which answers the question.</think>
<answer>1024</answer>`
