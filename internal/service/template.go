package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// TemplateService stores reusable plan templates and instantiates them
// into workflows.
type TemplateService struct {
	st        *store.Store
	log       *logging.Logger
	workflows *WorkflowService
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// CreateTemplateInput is the payload of Create. Either Tasks or
// FromWorkflowID must be set; FromWorkflowID snapshots an existing
// workflow's task graph.
type CreateTemplateInput struct {
	Name           string
	Description    string
	Tasks          []core.TemplateTask
	FromWorkflowID string
}

// Create stores a template. Template names are unique.
func (s *TemplateService) Create(ctx context.Context, in CreateTemplateInput) (*core.Template, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, core.ErrInvalidInput("template name must not be empty")
	}

	var dup int
	if err := s.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM templates WHERE name = ?", in.Name).Scan(&dup); err != nil {
		return nil, fmt.Errorf("checking template name: %w", err)
	}
	if dup > 0 {
		return nil, core.NewToolError(core.CodeDuplicateTemplate,
			fmt.Sprintf("template %q already exists", in.Name), true)
	}

	tasks := in.Tasks
	if in.FromWorkflowID != "" {
		wf, err := s.workflows.Get(ctx, in.FromWorkflowID, true)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]string, len(wf.Tasks))
		for _, t := range wf.Tasks {
			byID[t.ID] = t.Name
		}
		tasks = tasks[:0]
		for _, t := range wf.Tasks {
			tt := core.TemplateTask{
				Name:          t.Name,
				Description:   t.Description,
				ParallelGroup: t.ParallelGroup,
			}
			for _, dep := range t.DependsOn {
				tt.DependsOn = append(tt.DependsOn, byID[dep])
			}
			tasks = append(tasks, tt)
		}
	}
	if len(tasks) == 0 {
		return nil, core.ErrInvalidInput("template requires tasks or from_workflow_id")
	}

	vars := collectVariables(tasks)
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("serialising template tasks: %w", err)
	}

	id := core.NewID(core.PrefixTemplate)
	now := store.Now()
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO templates (id, name, description, tasks, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, in.Name, store.NullString(in.Description), string(tasksJSON),
		store.NullString(marshalJSON(vars)), now, now)
	if err != nil {
		return nil, fmt.Errorf("creating template: %w", err)
	}

	s.log.Info("template created", "template_id", id, "name", in.Name, "tasks", len(tasks))
	return s.Get(ctx, id)
}

// collectVariables extracts the sorted set of {{var}} placeholders used
// across a template's task names and descriptions.
func collectVariables(tasks []core.TemplateTask) []string {
	seen := make(map[string]bool)
	for _, t := range tasks {
		for _, m := range templateVarPattern.FindAllStringSubmatch(t.Name+" "+t.Description, -1) {
			seen[m[1]] = true
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

const templateSelect = `
	SELECT id, name, description, tasks, variables, created_at, updated_at
	FROM templates`

// Get loads a template by id.
func (s *TemplateService) Get(ctx context.Context, id string) (*core.Template, error) {
	row := s.st.DB().QueryRowContext(ctx, templateSelect+" WHERE id = ?", id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTemplateNotFound, "template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	return t, nil
}

// GetByName loads a template by its unique name.
func (s *TemplateService) GetByName(ctx context.Context, name string) (*core.Template, error) {
	row := s.st.DB().QueryRowContext(ctx, templateSelect+" WHERE name = ?", name)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTemplateNotFound, "template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	return t, nil
}

// List returns all templates in name order.
func (s *TemplateService) List(ctx context.Context) ([]*core.Template, error) {
	rows, err := s.st.DB().QueryContext(ctx, templateSelect+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var out []*core.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyInput is the payload of Apply.
type ApplyInput struct {
	TemplateID   string
	WorkflowName string
	Variables    map[string]string
}

// Apply instantiates a template into a new ready workflow, substituting
// {{var}} placeholders. Every declared variable must be supplied.
func (s *TemplateService) Apply(ctx context.Context, in ApplyInput) (*core.Workflow, error) {
	tmpl, err := s.Get(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.WorkflowName) == "" {
		return nil, core.ErrInvalidInput("workflow name must not be empty")
	}

	var missing []string
	for _, v := range tmpl.Variables {
		if _, ok := in.Variables[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return nil, core.NewToolError(core.CodeMissingVariables,
			fmt.Sprintf("missing template variables: %s", strings.Join(missing, ", ")), true)
	}

	substitute := func(text string) string {
		return templateVarPattern.ReplaceAllStringFunc(text, func(m string) string {
			name := templateVarPattern.FindStringSubmatch(m)[1]
			if val, ok := in.Variables[name]; ok {
				return val
			}
			return m
		})
	}

	specs := make([]TaskSpec, 0, len(tmpl.Tasks))
	for _, t := range tmpl.Tasks {
		spec := TaskSpec{
			Name:          substitute(t.Name),
			Description:   substitute(t.Description),
			ParallelGroup: t.ParallelGroup,
		}
		for _, dep := range t.DependsOn {
			spec.DependsOn = append(spec.DependsOn, substitute(dep))
		}
		specs = append(specs, spec)
	}

	wf, err := s.workflows.Create(ctx, CreateWorkflowParams{
		Name:            in.WorkflowName,
		Source:          core.WorkflowSourceCustom,
		SourceReference: tmpl.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.workflows.SetPlan(ctx, wf.ID, "Instantiated from template "+tmpl.Name, specs)
}

func scanTemplate(row rowScanner) (*core.Template, error) {
	var t core.Template
	var desc, vars sql.NullString
	var tasksJSON string
	err := row.Scan(&t.ID, &t.Name, &desc, &tasksJSON, &vars, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = stringOr(desc)
	t.Variables = unmarshalStrings(vars)
	if err := json.Unmarshal([]byte(tasksJSON), &t.Tasks); err != nil {
		return nil, fmt.Errorf("parsing template tasks: %w", err)
	}
	return &t, nil
}
