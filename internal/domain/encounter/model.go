package encounter

import (
	"bytes"
	"encoding/json"
	"time"
)

// Concept is a coded vocabulary reference. Coded observation values are
// concepts too.
type Concept struct {
	UUID    string `json:"uuid"`
	Display string `json:"display,omitempty"`
}

// Obs is a leaf or group node of the observation tree. Value holds a string,
// float64, bool or Concept; groups carry GroupMembers instead.
type Obs struct {
	UUID               string      `json:"uuid,omitempty"`
	Concept            string      `json:"concept"`
	Value              interface{} `json:"value,omitempty"`
	GroupMembers       []*Obs      `json:"groupMembers,omitempty"`
	FormFieldNamespace string      `json:"formFieldNamespace,omitempty"`
	FormFieldPath      string      `json:"formFieldPath,omitempty"`
	ObsDatetime        *time.Time  `json:"obsDatetime,omitempty"`
	Voided             bool        `json:"voided,omitempty"`
}

// UnmarshalJSON decodes coded values ({"uuid": ...}) into Concept.
func (o *Obs) UnmarshalJSON(data []byte) error {
	type alias Obs
	aux := struct {
		*alias
		Value json.RawMessage `json:"value,omitempty"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v, err := decodeValue(aux.Value)
	if err != nil {
		return err
	}
	o.Value = v
	return nil
}

func decodeValue(raw json.RawMessage) (interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var c Concept
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsGroup reports whether the obs is a group node.
func (o *Obs) IsGroup() bool { return len(o.GroupMembers) > 0 }

// CodedUUID returns the concept uuid of a coded value. Plain strings are
// treated as uuids, which is how coded values travel in change-sets.
func CodedUUID(v interface{}) string {
	switch c := v.(type) {
	case Concept:
		return c.UUID
	case *Concept:
		if c != nil {
			return c.UUID
		}
	case string:
		return c
	case map[string]interface{}:
		if s, ok := c["uuid"].(string); ok {
			return s
		}
	}
	return ""
}

// Order is a clinical order. Orders are never edited: a change is a NEW order
// plus a void of the superseded one.
type Order struct {
	UUID               string     `json:"uuid,omitempty"`
	Action             string     `json:"action,omitempty"`
	Concept            string     `json:"concept,omitempty"`
	Type               string     `json:"type,omitempty"`
	CareSetting        string     `json:"careSetting,omitempty"`
	Orderer            string     `json:"orderer,omitempty"`
	OrderNumber        string     `json:"orderNumber,omitempty"`
	FormFieldNamespace string     `json:"formFieldNamespace,omitempty"`
	FormFieldPath      string     `json:"formFieldPath,omitempty"`
	DateActivated      *time.Time `json:"dateActivated,omitempty"`
	Voided             bool       `json:"voided,omitempty"`
}

const (
	OrderActionNew = "NEW"
	OrderTypeTest  = "testorder"
)

type PatientIdentifier struct {
	UUID           string `json:"uuid,omitempty"`
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifierType"`
	Location       string `json:"location,omitempty"`
	Preferred      bool   `json:"preferred,omitempty"`
	Voided         bool   `json:"voided,omitempty"`
}

type PersonAttribute struct {
	UUID          string      `json:"uuid,omitempty"`
	AttributeType string      `json:"attributeType"`
	Value         interface{} `json:"value"`
	Voided        bool        `json:"voided,omitempty"`
}

// ProgramState is one workflow state of an enrollment.
type ProgramState struct {
	UUID      string `json:"uuid,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
	State     string `json:"state"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// PatientProgram is a program enrollment.
type PatientProgram struct {
	UUID          string          `json:"uuid,omitempty"`
	Patient       string          `json:"patient,omitempty"`
	Program       string          `json:"program"`
	DateEnrolled  string          `json:"dateEnrolled,omitempty"`
	DateCompleted string          `json:"dateCompleted,omitempty"`
	Location      string          `json:"location,omitempty"`
	States        []*ProgramState `json:"states,omitempty"`
}

// CurrentState returns the latest open state in workflow, or nil. An empty
// workflow matches every state.
func (p *PatientProgram) CurrentState(workflow string) *ProgramState {
	var current *ProgramState
	for _, s := range p.States {
		if s.EndDate != "" || (workflow != "" && s.Workflow != workflow) {
			continue
		}
		if current == nil || s.StartDate >= current.StartDate {
			current = s
		}
	}
	return current
}

type Patient struct {
	UUID        string               `json:"uuid"`
	Name        string               `json:"name,omitempty"`
	Gender      string               `json:"gender,omitempty"`
	Birthdate   string               `json:"birthdate,omitempty"`
	Identifiers []*PatientIdentifier `json:"identifiers,omitempty"`
	Attributes  []*PersonAttribute   `json:"attributes,omitempty"`
}

type Visit struct {
	UUID          string     `json:"uuid"`
	VisitType     string     `json:"visitType,omitempty"`
	Location      string     `json:"location,omitempty"`
	StartDatetime *time.Time `json:"startDatetime,omitempty"`
	StopDatetime  *time.Time `json:"stopDatetime,omitempty"`
}

type EncounterProvider struct {
	UUID          string `json:"uuid,omitempty"`
	Provider      string `json:"provider"`
	EncounterRole string `json:"encounterRole,omitempty"`
}

// Encounter is the record produced by one form submission.
type Encounter struct {
	UUID               string               `json:"uuid,omitempty"`
	EncounterType      string               `json:"encounterType,omitempty"`
	EncounterDatetime  *time.Time           `json:"encounterDatetime,omitempty"`
	Patient            string               `json:"patient,omitempty"`
	Location           string               `json:"location,omitempty"`
	Visit              string               `json:"visit,omitempty"`
	Form               string               `json:"form,omitempty"`
	EncounterProviders []*EncounterProvider `json:"encounterProviders,omitempty"`
	Obs                []*Obs               `json:"obs,omitempty"`
	Orders             []*Order             `json:"orders,omitempty"`
	Voided             bool                 `json:"voided,omitempty"`
}

// Payload is the change-set handed to the record store: the encounter
// header plus obs/order fragments, and the patient-level identifier,
// attribute and program fragments.
type Payload struct {
	UUID               string               `json:"uuid,omitempty"`
	EncounterType      string               `json:"encounterType,omitempty"`
	EncounterDatetime  *time.Time           `json:"encounterDatetime,omitempty"`
	Patient            string               `json:"patient"`
	Location           string               `json:"location,omitempty"`
	Visit              string               `json:"visit,omitempty"`
	Form               string               `json:"form,omitempty"`
	EncounterProviders []*EncounterProvider `json:"encounterProviders,omitempty"`
	Obs                []*Obs               `json:"obs"`
	Orders             []*Order             `json:"orders"`
	Identifiers        []*PatientIdentifier `json:"identifiers,omitempty"`
	Attributes         []*PersonAttribute   `json:"attributes,omitempty"`
	Programs           []*PatientProgram    `json:"programs,omitempty"`
}

// Empty reports whether the payload carries no data changes.
func (p *Payload) Empty() bool {
	return len(p.Obs) == 0 && len(p.Orders) == 0 && len(p.Identifiers) == 0 &&
		len(p.Attributes) == 0 && len(p.Programs) == 0
}
