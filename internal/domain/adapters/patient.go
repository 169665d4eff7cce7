package adapters

import (
	"fmt"
	"strings"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// identifierAdapter binds a field to the patient's active identifier of one
// identifier type.
type identifierAdapter struct{}

func identifierType(f *form.Field) (string, error) {
	t := f.Question.QuestionOptions.IdentifierType
	if t == "" {
		return "", fmt.Errorf("%w: identifier field %s has no identifierType", form.ErrMisconfigured, f.ID)
	}
	return t, nil
}

func findIdentifier(p *encounter.Patient, idType string) *encounter.PatientIdentifier {
	if p == nil {
		return nil
	}
	for _, id := range p.Identifiers {
		if !id.Voided && id.IdentifierType == idType {
			return id
		}
	}
	return nil
}

func textValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (identifierAdapter) InitialValue(f *form.Field, _ *encounter.Encounter, c *form.Context) (interface{}, error) {
	idType, err := identifierType(f)
	if err != nil {
		return nil, err
	}
	resetBinding(f)
	id := findIdentifier(c.Patient, idType)
	if id == nil {
		return nil, nil
	}
	bind(f, id, id.Identifier)
	return id.Identifier, nil
}

func (identifierAdapter) PreviousValue(*form.Field, *encounter.Encounter, *form.Context) (*form.PreviousValue, error) {
	return nil, nil
}

func (identifierAdapter) Transform(f *form.Field, value interface{}, c *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}
	idType, err := identifierType(f)
	if err != nil {
		return nil, err
	}
	bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.PatientIdentifier)
	s := textValue(value)

	switch {
	case bound != nil && s == "":
		void := &encounter.PatientIdentifier{UUID: bound.UUID, Identifier: bound.Identifier, IdentifierType: idType, Voided: true}
		f.Meta.Submission.VoidedValue = void
		return void, nil
	case bound != nil && s != bound.Identifier:
		edit := &encounter.PatientIdentifier{UUID: bound.UUID, Identifier: s, IdentifierType: idType, Location: c.Location}
		f.Meta.Submission.NewValue = edit
		return edit, nil
	case bound == nil && s != "":
		id := &encounter.PatientIdentifier{Identifier: s, IdentifierType: idType, Location: c.Location}
		f.Meta.Submission.NewValue = id
		return id, nil
	}
	return nil, nil
}

func (identifierAdapter) Void(f *form.Field, _ *form.Context) interface{} {
	if bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.PatientIdentifier); bound != nil {
		return &encounter.PatientIdentifier{UUID: bound.UUID, Identifier: bound.Identifier, IdentifierType: bound.IdentifierType, Voided: true}
	}
	return nil
}

func (identifierAdapter) DisplayValue(_ *form.Field, value interface{}) string { return textValue(value) }

func (identifierAdapter) TearDown(*form.Context) {}

// attributeAdapter binds a field to the patient's active person attribute of
// one attribute type. Coded attributes hold a concept uuid.
type attributeAdapter struct{}

func attributeType(f *form.Field) (string, error) {
	t := f.Question.QuestionOptions.AttributeType
	if t == "" {
		return "", fmt.Errorf("%w: person attribute field %s has no attributeType", form.ErrMisconfigured, f.ID)
	}
	return t, nil
}

func attributeValue(v interface{}) string {
	if c := encounter.CodedUUID(v); c != "" {
		return strings.TrimSpace(c)
	}
	return textValue(v)
}

func (attributeAdapter) InitialValue(f *form.Field, _ *encounter.Encounter, c *form.Context) (interface{}, error) {
	attrType, err := attributeType(f)
	if err != nil {
		return nil, err
	}
	resetBinding(f)
	if c.Patient == nil {
		return nil, nil
	}
	for _, a := range c.Patient.Attributes {
		if a.Voided || a.AttributeType != attrType {
			continue
		}
		v := attributeValue(a.Value)
		bind(f, a, v)
		return v, nil
	}
	return nil, nil
}

func (attributeAdapter) PreviousValue(*form.Field, *encounter.Encounter, *form.Context) (*form.PreviousValue, error) {
	return nil, nil
}

func (attributeAdapter) Transform(f *form.Field, value interface{}, _ *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}
	attrType, err := attributeType(f)
	if err != nil {
		return nil, err
	}
	bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.PersonAttribute)
	s := attributeValue(value)

	switch {
	case bound != nil && s == "":
		void := &encounter.PersonAttribute{UUID: bound.UUID, AttributeType: attrType, Value: bound.Value, Voided: true}
		f.Meta.Submission.VoidedValue = void
		return void, nil
	case bound != nil && s != attributeValue(bound.Value):
		edit := &encounter.PersonAttribute{UUID: bound.UUID, AttributeType: attrType, Value: s}
		f.Meta.Submission.NewValue = edit
		return edit, nil
	case bound == nil && s != "":
		a := &encounter.PersonAttribute{AttributeType: attrType, Value: s}
		f.Meta.Submission.NewValue = a
		return a, nil
	}
	return nil, nil
}

func (attributeAdapter) Void(f *form.Field, _ *form.Context) interface{} {
	if bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.PersonAttribute); bound != nil {
		return &encounter.PersonAttribute{UUID: bound.UUID, AttributeType: bound.AttributeType, Value: bound.Value, Voided: true}
	}
	return nil
}

func (attributeAdapter) DisplayValue(f *form.Field, value interface{}) string {
	if isCoded(f) {
		return answerLabel(f, attributeValue(value))
	}
	return textValue(value)
}

func (attributeAdapter) TearDown(*form.Context) {}
