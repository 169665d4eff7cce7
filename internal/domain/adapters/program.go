package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// programStateAdapter binds a field to the current state of one workflow of
// a program enrollment. Leaving the field empty never un-enrolls.
type programStateAdapter struct{}

func programUUID(f *form.Field) (string, error) {
	p := f.Question.QuestionOptions.ProgramUUID
	if p == "" {
		return "", fmt.Errorf("%w: program state field %s has no programUuid", form.ErrMisconfigured, f.ID)
	}
	return p, nil
}

func sessionDate(c *form.Context) string {
	if c.SessionDate.IsZero() {
		return time.Now().Format(layoutDate)
	}
	return c.SessionDate.Format(layoutDate)
}

func activeEnrollment(programs []*encounter.PatientProgram, program string) *encounter.PatientProgram {
	for _, p := range programs {
		if p.Program == program && p.DateCompleted == "" {
			return p
		}
	}
	return nil
}

// Prefetch loads the patient's enrollments once per session.
func (programStateAdapter) Prefetch(ctx context.Context, f *form.Field, c *form.Context) error {
	_, err := c.PatientPrograms(ctx)
	return err
}

func (programStateAdapter) InitialValue(f *form.Field, _ *encounter.Encounter, c *form.Context) (interface{}, error) {
	program, err := programUUID(f)
	if err != nil {
		return nil, err
	}
	resetBinding(f)

	enrollment := activeEnrollment(c.CachedPrograms(), program)
	if enrollment == nil {
		return nil, nil
	}
	var state string
	if cur := enrollment.CurrentState(f.Question.QuestionOptions.WorkflowUUID); cur != nil {
		state = cur.State
	}
	bind(f, enrollment, state)
	if state == "" {
		return nil, nil
	}
	return state, nil
}

func (programStateAdapter) PreviousValue(*form.Field, *encounter.Encounter, *form.Context) (*form.PreviousValue, error) {
	return nil, nil
}

func (programStateAdapter) Transform(f *form.Field, value interface{}, c *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}
	program, err := programUUID(f)
	if err != nil {
		return nil, err
	}
	state := encounter.CodedUUID(value)
	if state == "" {
		return nil, nil
	}

	workflow := f.Question.QuestionOptions.WorkflowUUID
	enrollment, _ := f.Meta.InitialValue.DomainObject.(*encounter.PatientProgram)
	if enrollment != nil {
		if cur := enrollment.CurrentState(workflow); cur != nil && cur.State == state {
			return nil, nil
		}
	}

	date := sessionDate(c)
	frag := &encounter.PatientProgram{
		Program: program,
		States:  []*encounter.ProgramState{{Workflow: workflow, State: state, StartDate: date}},
	}
	if enrollment != nil {
		frag.UUID = enrollment.UUID
	} else {
		if c.Patient != nil {
			frag.Patient = c.Patient.UUID
		}
		frag.DateEnrolled = date
		frag.Location = c.Location
	}
	f.Meta.Submission.NewValue = frag
	return frag, nil
}

func (programStateAdapter) DisplayValue(f *form.Field, value interface{}) string {
	if isEmptyValue(value) {
		return ""
	}
	return answerLabel(f, encounter.CodedUUID(value))
}

func (programStateAdapter) TearDown(c *form.Context) { c.ResetPrograms() }
