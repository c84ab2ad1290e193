package mesh

import (
	"context"
	"fmt"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
)

func (m *Mesh) registerHandlers() error {
	members, err := m.router.Add(pattern.Literal(MembersPattern), m.getMembers)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", MembersPattern, err)
	}
	bases, err := m.router.Add(pattern.Literal(BasesPattern), m.getBases)
	if err != nil {
		members.Remove()
		return fmt.Errorf("failed to register %s: %w", BasesPattern, err)
	}
	m.regs = append(m.regs, members, bases)
	return nil
}

// getMembers answers with any list an older handler produced followed by this
// node's view.
func (m *Mesh) getMembers(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
	out, err := m.router.Prior(ctx, msg, meta)
	if err != nil {
		return nil, err
	}

	list := listOf(out)
	for _, member := range m.Members() {
		list = append(list, entry(member))
	}
	return core.Msg{"list": list}, nil
}

func (m *Mesh) getBases(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
	var list []any
	for _, member := range m.Members() {
		if member.Base {
			list = append(list, fmt.Sprintf("%s:%d", member.Host, member.Port))
		}
	}
	return core.Msg{"list": list}, nil
}

func listOf(out core.Msg) []any {
	if out == nil {
		return []any{}
	}
	switch l := out["list"].(type) {
	case []any:
		return append([]any{}, l...)
	case []map[string]any:
		list := make([]any, len(l))
		for i, v := range l {
			list[i] = v
		}
		return list
	}
	return []any{}
}

func entry(m Member) map[string]any {
	pins := make([]any, len(m.Pins))
	for i, p := range m.Pins {
		pins[i] = p
	}
	return map[string]any{
		"id":       m.ID,
		"instance": m.Instance,
		"host":     m.Host,
		"port":     m.Port,
		"pins":     pins,
		"model":    m.Model,
		"base":     m.Base,
		"joined":   m.Joined,
	}
}

// DecodeMembers converts the list answered by MembersPattern into members.
func DecodeMembers(res core.Msg) ([]Member, error) {
	var out struct {
		List []Member `json:"list"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return out.List, nil
}
