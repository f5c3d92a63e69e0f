package content

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template is one subject/body pair. Both are text/template sources.
type Template struct {
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

// Pool holds the templates picked from for new messages and for replies
type Pool struct {
	Warmup []Template `yaml:"warmup" json:"warmup"`
	Reply  []Template `yaml:"reply" json:"reply"`
}

// Data is what templates are rendered with
type Data struct {
	FromName  string
	FromEmail string
	ToName    string
	ToEmail   string
	// Subject of the message being replied to, empty for new messages
	Subject string
	Weekday string
}

// DefaultPool returns the built-in conversational templates
func DefaultPool() Pool {
	return Pool{
		Warmup: []Template{
			{
				Subject: "Quick question about {{.Weekday}}",
				Body:    "Hi {{.ToName}},\n\nAre we still on for {{.Weekday}}? Let me know if the time still works for you.\n\nBest regards,\n{{.FromName}}",
			},
			{
				Subject: "Following up on our last conversation",
				Body:    "Hi {{.ToName}},\n\nI wanted to follow up on our previous conversation. Let me know if you have any questions!\n\nBest regards,\n{{.FromName}}",
			},
			{
				Subject: "Checking in",
				Body:    "Hello {{.ToName}},\n\nJust checking in to see how things are going on your side.\n\nThanks,\n{{.FromName}}",
			},
			{
				Subject: "Thought you might find this interesting",
				Body:    "Hi {{.ToName}},\n\nI came across something related to what we discussed and thought of you. Happy to share more details.\n\nRegards,\n{{.FromName}}",
			},
			{
				Subject: "Notes from this week",
				Body:    "Hello {{.ToName}},\n\nSharing a few notes from this week. Nothing urgent, read whenever you have a moment.\n\nWarm regards,\n{{.FromName}}",
			},
			{
				Subject: "Let's reconnect soon",
				Body:    "Hi {{.ToName}},\n\nIt has been a while. Do you have time for a short call next week?\n\nBest,\n{{.FromName}}",
			},
		},
		Reply: []Template{
			{
				Subject: "Re: {{.Subject}}",
				Body:    "Hi {{.ToName}},\n\nThanks for reaching out, that works for me.\n\nBest,\n{{.FromName}}",
			},
			{
				Subject: "Re: {{.Subject}}",
				Body:    "Hello {{.ToName}},\n\nGot it, thank you. I will get back to you shortly.\n\nRegards,\n{{.FromName}}",
			},
			{
				Subject: "Re: {{.Subject}}",
				Body:    "Hi {{.ToName}},\n\nAppreciate the update. Talk soon!\n\n{{.FromName}}",
			},
		},
	}
}

// LoadPool reads a YAML pool file. Sections left empty fall back to the built-in templates.
func LoadPool(path string) (Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pool{}, fmt.Errorf("failed to read templates file: %w", err)
	}

	var pool Pool
	if err := yaml.Unmarshal(data, &pool); err != nil {
		return Pool{}, fmt.Errorf("failed to parse templates file: %w", err)
	}

	defaults := DefaultPool()
	if len(pool.Warmup) == 0 {
		pool.Warmup = defaults.Warmup
	}
	if len(pool.Reply) == 0 {
		pool.Reply = defaults.Reply
	}
	return pool, nil
}
