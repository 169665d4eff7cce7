package adapters

import (
	"fmt"
	"strings"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// OutpatientCareSetting is used when a test order question names no order
// setting.
const OutpatientCareSetting = "6f0c9a92-6f24-11e3-af88-005056821db0"

// orderAdapter binds a field to one active test order. Orders are never
// edited in place: a changed test is a NEW order plus a void of the
// superseded one.
type orderAdapter struct{}

func orderable(f *form.Field, concept string) bool {
	if concept == f.Concept() && concept != "" {
		return true
	}
	for _, a := range f.Question.QuestionOptions.Answers {
		if a.Concept == concept {
			return true
		}
	}
	return false
}

func matchOrder(f *form.Field, orders []*encounter.Order, c *form.Context, claimed bool) *encounter.Order {
	path := FieldPath(f.ID)
	var byConcept *encounter.Order
	for _, o := range orders {
		if o.Voided || (o.Type != "" && o.Type != encounter.OrderTypeTest) {
			continue
		}
		if claimed && !c.Claims().OrderAvailable(o.UUID, f.ID) {
			continue
		}
		if o.FormFieldPath == path {
			return o
		}
		if byConcept != nil || !orderable(f, o.Concept) {
			continue
		}
		if reservedFor(f, o.FormFieldPath, c, claimed) {
			continue
		}
		byConcept = o
	}
	return byConcept
}

func (orderAdapter) InitialValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (interface{}, error) {
	resetBinding(f)
	if rec == nil {
		return nil, nil
	}
	o := matchOrder(f, rec.Orders, c, true)
	if o == nil {
		return nil, nil
	}
	c.Claims().ClaimOrder(o.UUID, f.ID)
	bind(f, o, o.Concept)
	return o.Concept, nil
}

func (orderAdapter) PreviousValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (*form.PreviousValue, error) {
	if rec == nil {
		return nil, nil
	}
	if o := matchOrder(f, rec.Orders, c, false); o != nil {
		return &form.PreviousValue{Value: o.Concept, Display: answerLabel(f, o.Concept)}, nil
	}
	return nil, nil
}

func (orderAdapter) Transform(f *form.Field, value interface{}, c *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}
	bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.Order)
	concept := strings.TrimSpace(encounter.CodedUUID(value))
	if concept != "" && !orderable(f, concept) {
		return nil, fmt.Errorf("field %s: %w: %s is not an orderable test", f.ID, ErrInvalidValue, concept)
	}

	var ops []*encounter.Order
	if concept != "" && (bound == nil || bound.Concept != concept) {
		setting := f.Question.QuestionOptions.OrderSettingUUID
		if setting == "" {
			setting = OutpatientCareSetting
		}
		o := &encounter.Order{
			Action:             encounter.OrderActionNew,
			Concept:            concept,
			Type:               encounter.OrderTypeTest,
			CareSetting:        setting,
			Orderer:            c.Provider,
			FormFieldNamespace: Namespace,
			FormFieldPath:      FieldPath(f.ID),
		}
		f.Meta.Submission.NewValue = o
		ops = append(ops, o)
	}
	if bound != nil && bound.Concept != concept {
		void := &encounter.Order{UUID: bound.UUID, Voided: true}
		f.Meta.Submission.VoidedValue = void
		ops = append(ops, void)
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, nil
}

func (orderAdapter) Void(f *form.Field, _ *form.Context) interface{} {
	if bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.Order); bound != nil {
		return &encounter.Order{UUID: bound.UUID, Voided: true}
	}
	return nil
}

func (orderAdapter) DisplayValue(f *form.Field, value interface{}) string {
	if isEmptyValue(value) {
		return ""
	}
	return answerLabel(f, encounter.CodedUUID(value))
}

func (orderAdapter) TearDown(c *form.Context) { c.Claims().ResetOrders() }
