package rag

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Template is one prompt layout: a system preamble plus a user body with
// named {holes}. Variables declares which holes the bodies may reference.
type Template struct {
	Name      string
	System    string
	User      string
	Variables []string
}

// TemplateFollowUp names the internal template used for follow-up question
// generation; it is not selectable as a request mode.
const TemplateFollowUp = "follow_up"

var holePattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// validate checks that every hole in the bodies is a declared variable.
func (t *Template) validate() error {
	declared := map[string]bool{}
	for _, v := range t.Variables {
		declared[v] = true
	}
	for _, m := range holePattern.FindAllStringSubmatch(t.System+"\n"+t.User, -1) {
		if !declared[m[1]] {
			return fmt.Errorf("template %s references undeclared variable {%s}", t.Name, m[1])
		}
	}
	return nil
}

// Format fills the holes. Missing variables fill as empty strings; unknown
// keys are ignored.
func (t *Template) Format(vars map[string]string) (system, user string) {
	system, user = t.System, t.User
	for _, name := range t.Variables {
		hole := "{" + name + "}"
		system = strings.ReplaceAll(system, hole, vars[name])
		user = strings.ReplaceAll(user, hole, vars[name])
	}
	return system, user
}

// WithStrictness appends the strictness instruction to a formatted system
// prompt. Balanced is the default register and adds nothing.
func WithStrictness(system string, strictness domain.Strictness) string {
	switch strictness {
	case domain.StrictnessStrict:
		return system + "\n\nAnswer ONLY from the provided context. If the context does not contain the answer, state that you do not know. Never speculate."
	case domain.StrictnessCreative:
		return system + "\n\nYou may supplement the context with general knowledge, but clearly mark anything not grounded in the provided documents."
	default:
		return system
	}
}

// Registry holds the built-in templates plus any operator overrides.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry builds the registry from the defaults merged with overrides.
// Every template, default or override, is hole-validated.
func NewRegistry(overrides map[string]config.TemplateSpec) (*Registry, error) {
	r := &Registry{templates: map[string]*Template{}}
	for _, t := range defaultTemplates() {
		r.templates[t.Name] = t
	}
	for name, spec := range overrides {
		r.templates[name] = &Template{
			Name:      name,
			System:    spec.System,
			User:      spec.User,
			Variables: spec.Variables,
		}
	}
	for _, t := range r.templates {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("op=rag.NewRegistry: %w", err)
		}
	}
	return r, nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Names lists the registered template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a request onto a template: an explicit template override wins,
// then the mode, then standard.
func (r *Registry) Resolve(req domain.RAGRequest) (*Template, error) {
	name := req.Template
	if name == "" {
		name = string(req.Mode)
	}
	if name == "" {
		name = string(domain.RAGModeStandard)
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, domain.Ef(domain.CodeInvalidParameter, "unknown template %q", name)
	}
	return t, nil
}

func defaultTemplates() []*Template {
	return []*Template{
		{
			Name: string(domain.RAGModeStandard),
			System: `You are a helpful AI assistant specializing in legal information.
Your task is to answer questions based ONLY on the provided context documents.
If the context doesn't contain enough information to answer the question, clearly state that.
Always cite your sources using [1], [2], etc. to reference the documents.
Be precise, accurate, and cite relevant sections of the law or precedents.`,
			User: `Context Documents:
{context}

Question: {query}

Instructions:
1. Answer the question based on the context above
2. Cite sources using [1], [2], etc.
3. If you're uncertain, say so
4. Be concise but thorough

Answer:`,
			Variables: []string{"context", "query"},
		},
		{
			Name: string(domain.RAGModeLegalAnalysis),
			System: `You are an expert legal AI assistant with deep knowledge of Indian law.
Analyze legal questions with precision, citing relevant statutes, case law, and precedents.
Structure your analysis clearly and always distinguish between settled law and interpretation.
Cite all sources explicitly.`,
			User: `Legal Context:
{context}

Legal Question: {query}

Please provide a comprehensive legal analysis that includes:
1. **Relevant Law**: Cite applicable statutes, sections, and provisions
2. **Case Precedents**: Reference relevant case law if available
3. **Analysis**: Apply the law to the specific question
4. **Conclusion**: Provide a clear answer based on the analysis
5. **Caveats**: Note any limitations or areas requiring expert review

Analysis:`,
			Variables: []string{"context", "query"},
		},
		{
			Name: string(domain.RAGModeConversational),
			System: `You are a friendly AI legal assistant engaged in a conversation.
Maintain context from previous messages and provide helpful, conversational responses.
Always ground your answers in the provided documents and previous conversation.
Cite sources when making factual claims.`,
			User: `Previous Conversation:
{history}

Current Context:
{context}

User's Question: {query}

Respond naturally while:
- Referencing previous discussion if relevant
- Citing sources from the context
- Maintaining a conversational tone
- Asking clarifying questions if needed

Response:`,
			Variables: []string{"history", "context", "query"},
		},
		{
			Name: string(domain.RAGModeSummarization),
			System: `You are an AI that creates concise, accurate summaries of legal documents.
Focus on key points, important dates, parties involved, and legal implications.
Preserve critical details while removing redundancy.`,
			User: `Documents to Summarize:
{context}

Create a summary that covers:
- Main topic/issue
- Key parties or entities
- Important dates and deadlines
- Critical legal points
- Outcome or current status (if applicable)

Summary:`,
			Variables: []string{"context"},
		},
		{
			Name: string(domain.RAGModeComparison),
			System: `You are an AI that compares and contrasts multiple legal sources.
Identify similarities, differences, conflicts, and complementary aspects.
Present your comparison in a clear, structured format.`,
			User: `Sources to Compare:
{context}

Question: {query}

Provide a structured comparison:
1. **Common Ground**: What the sources agree on
2. **Differences**: Where sources diverge or conflict
3. **Hierarchy**: Which source takes precedence (if applicable)
4. **Synthesis**: Integrated understanding
5. **Implications**: What this means for the question

Comparison:`,
			Variables: []string{"context", "query"},
		},
		{
			Name: TemplateFollowUp,
			System: `You generate relevant follow-up questions based on a query and answer.
Questions should help users explore the topic more deeply or clarify edge cases.`,
			User: `Original Query: {query}

Answer Provided: {answer}

Context Used: {context}

Generate 2 relevant follow-up questions that:
- Explore related aspects of the topic
- Help clarify potential ambiguities
- Guide further research
- Are natural next questions a user might ask

Format as JSON array:
[
  {"question": "...", "reasoning": "...", "priority": 1},
  {"question": "...", "reasoning": "...", "priority": 2}
]

Follow-up Questions:`,
			Variables: []string{"query", "answer", "context"},
		},
	}
}
