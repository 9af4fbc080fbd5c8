package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func taskValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the user-supplied fields of a task
func (t *RenderTask) Validate() error {
	if err := taskValidator().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid task: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid task: %w", err)
	}
	if t.StartFrame != nil && t.EndFrame != nil && *t.EndFrame < *t.StartFrame {
		return fmt.Errorf("invalid task: end frame %d before start frame %d", *t.EndFrame, *t.StartFrame)
	}
	if t.StartFrame == nil && t.EndFrame != nil {
		return fmt.Errorf("invalid task: end frame set without start frame")
	}
	return nil
}
