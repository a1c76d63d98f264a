package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// State is an Australian state or territory code.
type State string

const (
	StateNSW State = "NSW"
	StateVIC State = "VIC"
	StateQLD State = "QLD"
	StateSA  State = "SA"
	StateWA  State = "WA"
	StateTAS State = "TAS"
	StateACT State = "ACT"
	StateNT  State = "NT"
)

// Valid reports whether s is a known jurisdiction.
func (s State) Valid() bool {
	switch s {
	case StateNSW, StateVIC, StateQLD, StateSA, StateWA, StateTAS, StateACT, StateNT:
		return true
	default:
		return false
	}
}

// ParseState normalizes a state code ("nsw", " Vic ") into a State.
func ParseState(s string) (State, bool) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Party is a named participant in the contract (vendor, purchaser, agent...).
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ContractDate is a dated term extracted upstream. Date is YYYY-MM-DD.
type ContractDate struct {
	Kind        string `json:"kind"`
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

// MonetaryAmount is an amount extracted upstream, already currency-stripped.
type MonetaryAmount struct {
	Kind     string  `json:"kind"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// Condition is a special condition of the contract (finance, building and pest...).
type Condition struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	DueDate     string `json:"due_date,omitempty"`
	Satisfied   *bool  `json:"satisfied,omitempty"`
}

// PropertyDetails identifies the property being sold.
type PropertyDetails struct {
	Address      string `json:"address"`
	LotNumber    string `json:"lot_number,omitempty"`
	PlanNumber   string `json:"plan_number,omitempty"`
	PropertyType string `json:"property_type,omitempty"`
}

// ExtractedEntities are the entities produced by the upstream extraction step.
// They are trusted as already validated.
type ExtractedEntities struct {
	Parties    []Party          `json:"parties"`
	Dates      []ContractDate   `json:"dates"`
	Amounts    []MonetaryAmount `json:"amounts"`
	Conditions []Condition      `json:"conditions"`
	Property   PropertyDetails  `json:"property"`
}

// ContractClassification describes what kind of contract is being analysed.
type ContractClassification struct {
	ContractType   string `json:"contract_type"`
	PurchaseMethod string `json:"purchase_method,omitempty"`
	UseCategory    string `json:"use_category,omitempty"`
}

// DiagramRef points at a supporting artifact such as a survey or sewer diagram.
type DiagramRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
}

// AnalysisContext is the read-only input bundle for one analysis run.
type AnalysisContext struct {
	DocumentID     string                 `json:"document_id"`
	DocumentText   string                 `json:"document_text"`
	Entities       ExtractedEntities      `json:"entities"`
	Jurisdiction   State                  `json:"jurisdiction"`
	Classification ContractClassification `json:"classification"`
	Diagrams       []DiagramRef           `json:"diagrams,omitempty"`
}

// Validate checks the minimum needed to start a run.
func (c AnalysisContext) Validate() error {
	if strings.TrimSpace(c.DocumentText) == "" {
		return eris.New("model: analysis context has no document text")
	}
	if !c.Jurisdiction.Valid() {
		return eris.Errorf("model: unknown jurisdiction %q", c.Jurisdiction)
	}
	if c.Classification.ContractType == "" {
		return eris.New("model: analysis context has no contract type")
	}
	return nil
}

// Vars returns the template variables describing this context. Every key is
// always present so templates can rely on them.
func (c AnalysisContext) Vars() map[string]any {
	return map[string]any{
		"document_id":     c.DocumentID,
		"document_text":   c.DocumentText,
		"jurisdiction":    string(c.Jurisdiction),
		"contract_type":   c.Classification.ContractType,
		"purchase_method": c.Classification.PurchaseMethod,
		"use_category":    c.Classification.UseCategory,
		"parties":         c.Entities.Parties,
		"dates":           c.Entities.Dates,
		"amounts":         c.Entities.Amounts,
		"conditions":      c.Entities.Conditions,
		"property":        c.Entities.Property,
		"diagrams":        c.Diagrams,
	}
}

// Lookup resolves "dates.<kind>" and "amounts.<kind>" against the extracted
// entities. The first entity of a kind wins.
func (c AnalysisContext) Lookup(path string) (any, bool) {
	group, kind, ok := strings.Cut(path, ".")
	if !ok || kind == "" {
		return nil, false
	}
	switch group {
	case "dates":
		for _, d := range c.Entities.Dates {
			if strings.EqualFold(d.Kind, kind) && d.Date != "" {
				return d.Date, true
			}
		}
	case "amounts":
		for _, a := range c.Entities.Amounts {
			if strings.EqualFold(a.Kind, kind) {
				return a.Amount, true
			}
		}
	}
	return nil, false
}
