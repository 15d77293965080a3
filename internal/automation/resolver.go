package automation

import (
	"context"
	"fmt"
	"strings"

	"autoreach/internal/model"
)

// Targets is a recipient source. The variants are Numbers, CSV, Groups,
// Contacts and AllGroups.
type Targets interface {
	isTargets()
}

// Numbers are raw phone numbers.
type Numbers struct {
	Phones []string
}

// CSVRow is one already-split CSV record.
type CSVRow struct {
	Phone   string `json:"phone"`
	Name    string `json:"name,omitempty"`
	Custom1 string `json:"custom1,omitempty"`
	Custom2 string `json:"custom2,omitempty"`
}

type CSV struct {
	Rows []CSVRow
}

// Groups are selected group ids; Names is the lookup set the selection was
// made from. Ids missing from Names are dropped.
type Groups struct {
	Selected []string
	Names    map[string]string
}

// Contacts are selected contact ids, looked up in the provider directory.
type Contacts struct {
	Selected []string
}

// AllGroups expands to every group the provider reports at resolve time.
type AllGroups struct{}

func (Numbers) isTargets()   {}
func (CSV) isTargets()       {}
func (Groups) isTargets()    {}
func (Contacts) isTargets()  {}
func (AllGroups) isTargets() {}

const defaultGroupName = "Group"

// Resolve turns a target source into recipients, preserving input order.
// Only Contacts and AllGroups touch the directory.
func Resolve(ctx context.Context, dir Directory, t Targets) ([]model.Recipient, error) {
	switch v := t.(type) {
	case Numbers:
		out := make([]model.Recipient, 0, len(v.Phones))
		for _, p := range v.Phones {
			out = append(out, model.Recipient{Phone: model.FormatPhone(p)})
		}
		return out, nil

	case CSV:
		out := make([]model.Recipient, 0, len(v.Rows))
		for _, row := range v.Rows {
			out = append(out, model.Recipient{
				Phone:   model.FormatPhone(row.Phone),
				Name:    strings.TrimSpace(row.Name),
				Custom1: strings.TrimSpace(row.Custom1),
				Custom2: strings.TrimSpace(row.Custom2),
			})
		}
		return out, nil

	case Groups:
		out := make([]model.Recipient, 0, len(v.Selected))
		for _, id := range v.Selected {
			name, ok := v.Names[id]
			if !ok {
				continue
			}
			if name == "" {
				name = defaultGroupName
			}
			out = append(out, model.Recipient{ID: id, Phone: id, Name: name, GroupName: name})
		}
		return out, nil

	case Contacts:
		if dir == nil {
			return nil, fmt.Errorf("resolve contacts: no directory")
		}
		contacts, err := dir.ListContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve contacts: %w", err)
		}
		byID := make(map[string]model.Contact, len(contacts))
		for _, c := range contacts {
			byID[c.ID] = c
		}
		out := make([]model.Recipient, 0, len(v.Selected))
		for _, id := range v.Selected {
			c, ok := byID[id]
			if !ok {
				continue
			}
			out = append(out, model.Recipient{ID: id, Phone: c.Phone, Name: c.Name})
		}
		return out, nil

	case AllGroups:
		if dir == nil {
			return nil, fmt.Errorf("resolve groups: no directory")
		}
		groups, err := dir.ListGroups(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve groups: %w", err)
		}
		out := make([]model.Recipient, 0, len(groups))
		for _, g := range groups {
			out = append(out, model.Recipient{ID: g.ID, Phone: g.ID, Name: g.Name, GroupName: g.Name})
		}
		return out, nil

	case nil:
		return nil, invalid("targets are required")
	default:
		return nil, invalid("unsupported targets %T", t)
	}
}

// TargetSpec is the wire form of Targets used by the control surfaces.
type TargetSpec struct {
	Type     string            `json:"type"`
	Numbers  []string          `json:"numbers,omitempty"`
	Rows     []CSVRow          `json:"rows,omitempty"`
	Selected []string          `json:"selected,omitempty"`
	Names    map[string]string `json:"names,omitempty"`
}

// Targets converts the wire form into its variant.
func (s TargetSpec) Targets() (Targets, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "numbers":
		return Numbers{Phones: s.Numbers}, nil
	case "csv":
		return CSV{Rows: s.Rows}, nil
	case "groups":
		return Groups{Selected: s.Selected, Names: s.Names}, nil
	case "contacts":
		return Contacts{Selected: s.Selected}, nil
	case "allgroups", "all_groups":
		return AllGroups{}, nil
	default:
		return nil, invalid("unknown target type %q", s.Type)
	}
}

// SplitNumbers splits free text on commas, semicolons and whitespace.
func SplitNumbers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		}
		return false
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
