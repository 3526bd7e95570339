package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"toolforge/internal/contract"
	"toolforge/internal/sandbox"
)

// =============================================================================
// PROMPTS
// =============================================================================

const engineerSystemPrompt = `You are a careful software engineer. You write code that is run
unattended inside an isolated container, and you only ever see its output.
Answer with code only: no explanations, no Markdown outside a single code block.`

const plannerSystemPrompt = `You are a careful software engineer planning work on an unfamiliar
repository. You describe what to do; someone else writes the code.`

// InstallInput seeds an install script request.
type InstallInput struct {
	Contract *contract.TaskContract
	// Workdir is the directory the repository is cloned under.
	Workdir string
	// PreviousScript and Diagnostic describe the last failed attempt.
	PreviousScript string
	Diagnostic     string
	// History holds one-line summaries of every earlier attempt.
	History []string
}

// InstallPath is where the repository of c is cloned.
func InstallPath(workdir string, c *contract.TaskContract) string {
	return strings.TrimRight(workdir, "/") + "/" + c.Repository.FriendlyName()
}

// InstallPrompt asks for a bash script that clones and installs the
// repository, or for a revision of a failed one.
func InstallPrompt(in InstallInput) Prompt {
	c := in.Contract
	path := InstallPath(in.Workdir, c)
	var b strings.Builder

	fmt.Fprintf(&b, "Write a bash script that clones and sets up the repository %s", c.Repository.URL)
	if c.Repository.Ref != "" {
		fmt.Fprintf(&b, " at ref %s", c.Repository.Ref)
	}
	fmt.Fprintf(&b, " into %s.\n\n", path)
	b.WriteString("Follow the repository's README. Install dependencies globally, do not use containers or virtual environments, ")
	b.WriteString("and download any pretrained weights the code needs, but no datasets. The script runs with `bash -x -e -o pipefail` ")
	b.WriteString("and must not be interactive.\n\n")
	b.WriteString("The repository will later be used for this task (do not implement it now):\n<intended_task>\n")
	b.WriteString(taskSummary(c))
	b.WriteString("</intended_task>\n")

	if in.PreviousScript != "" {
		b.WriteString("\nYour previous script failed.\n<previous_script>\n")
		b.WriteString(in.PreviousScript)
		b.WriteString("\n</previous_script>\n<diagnostic>\n")
		b.WriteString(in.Diagnostic)
		b.WriteString("\n</diagnostic>\n")
		if len(in.History) > 0 {
			b.WriteString("Earlier attempts, do not repeat their mistakes:\n")
			for i, h := range in.History {
				fmt.Fprintf(&b, "%d. %s\n", i+1, h)
			}
		}
		b.WriteString("\nRespond with the complete revised script.\n")
	} else {
		b.WriteString("\nRespond with the script only.\n")
	}

	return Prompt{System: engineerSystemPrompt, User: b.String()}
}

// CodeInput seeds an adapter generation or repair request.
type CodeInput struct {
	Contract *contract.TaskContract
	Language string
	// InstallPath is where the repository lives inside the environment.
	InstallPath string
	// InstallScript is the script that set the environment up.
	InstallScript string
	// Plan is the step list the first generation follows, if one was made.
	Plan string
	// Code and Diagnostic describe the most recent failed attempt. Both are
	// empty for the first generation.
	Code       string
	Diagnostic string
}

// PlanPrompt asks for a numbered list of high-level steps that implement
// the task on top of the installed repository.
func PlanPrompt(in CodeInput) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the implementation of the function `%s`.\n\n", in.Contract.Name)
	b.WriteString(taskSummary(in.Contract))
	fmt.Fprintf(&b, "\nThe repository %s is installed at %s.", in.Contract.Repository.URL, in.InstallPath)
	if in.InstallScript != "" {
		b.WriteString(" It was set up with:\n<install_script>\n")
		b.WriteString(in.InstallScript)
		b.WriteString("\n</install_script>\n")
	} else {
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with a numbered list of steps in very high-level pseudo-code. Name the parts of the repository ")
	b.WriteString("each step relies on, and say which steps load models or other resources. Do not write the code itself.\n")
	return Prompt{System: plannerSystemPrompt, User: b.String()}
}

// GeneratePrompt asks for the first adapter implementation.
func GeneratePrompt(in CodeInput) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the function `%s`.\n\n", in.Contract.Name)
	b.WriteString(taskSummary(in.Contract))
	fmt.Fprintf(&b, "\nThe repository %s is installed at %s.", in.Contract.Repository.URL, in.InstallPath)
	if in.InstallScript != "" {
		b.WriteString(" It was set up with:\n<install_script>\n")
		b.WriteString(in.InstallScript)
		b.WriteString("\n</install_script>\n")
	} else {
		b.WriteString("\n")
	}
	if in.Plan != "" {
		b.WriteString("\nFollow this plan:\n<plan>\n")
		b.WriteString(in.Plan)
		b.WriteString("\n</plan>\n")
	}
	b.WriteString("\n")
	b.WriteString(languageInstructions(in.Contract, in.Language))
	b.WriteString("\nPrefer calling into the repository over reimplementing it. Print progress to stdout so failures can be diagnosed.\n")
	return Prompt{System: engineerSystemPrompt, User: b.String()}
}

// RepairPrompt asks for a fixed implementation given only the most recent
// attempt and its diagnostic.
func RepairPrompt(in CodeInput) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Your implementation of `%s` did not work.\n\n", in.Contract.Name)
	b.WriteString(taskSummary(in.Contract))
	fmt.Fprintf(&b, "\nThe repository is installed at %s.\n", in.InstallPath)
	b.WriteString("\nThis is the current version of the code:\n<code>\n")
	b.WriteString(in.Code)
	b.WriteString("\n</code>\n\nRunning it produced:\n<diagnostic>\n")
	b.WriteString(in.Diagnostic)
	b.WriteString("\n</diagnostic>\n\nFind the root cause and fix it. If the cause is unclear, add logging so the next run reveals it.\n\n")
	b.WriteString(languageInstructions(in.Contract, in.Language))
	return Prompt{System: engineerSystemPrompt, User: b.String()}
}

func taskSummary(c *contract.TaskContract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signature: %s\n", c.Signature())
	if c.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.Description)
	}
	if len(c.Parameters) > 0 {
		b.WriteString("Arguments:\n")
		for _, p := range c.Parameters {
			fmt.Fprintf(&b, "- %s (%s)", p.Name, p.Type)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			if p.Example != nil {
				fmt.Fprintf(&b, " example=%s", compactJSON(p.Example))
			}
			b.WriteString("\n")
		}
	}
	if c.ReturnType != "" {
		fmt.Fprintf(&b, "Returns: %s\n", c.ReturnType)
	}
	return b.String()
}

func languageInstructions(c *contract.TaskContract, language string) string {
	names := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		names[i] = p.Name
	}
	switch language {
	case sandbox.LanguageGo:
		return fmt.Sprintf(`Write Go source with a single entry point:

    func %s(args map[string]interface{}) (interface{}, error)

Arguments arrive decoded from JSON: integers as int64, other numbers as float64,
objects as map[string]interface{}, arrays as []interface{}. File arguments are
absolute paths. Only standard library imports are available. Return a JSON
encodable value. Respond with the Go source only.
`, c.Name)
	case sandbox.LanguageProcess:
		return fmt.Sprintf(`Write one standalone Python function:

    def %s(%s):

Import what you need inside the module, include type hints and a docstring, and
return a JSON serializable value. Do not write test code. Respond with the
Python source only.
`, c.Name, strings.Join(names, ", "))
	default:
		return fmt.Sprintf(`Write Starlark with a single entry point:

    def %s(%s):

Arguments are passed by keyword. Return a value made of dicts, lists, strings,
numbers, booleans and None. Respond with the Starlark source only.
`, c.Name, strings.Join(names, ", "))
	}
}

func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return Truncate(string(data), 200)
}
