package core

// TemplateTask is one task spec inside a reusable plan template.
// DependsOn references sibling template tasks by name.
type TemplateTask struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
}

// Template is a serialized reusable plan. Variables lists the {{var}}
// placeholder names substituted by template_apply.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tasks       []TemplateTask `json:"tasks"`
	Variables   []string       `json:"variables,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}
