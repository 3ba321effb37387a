package race

import (
	"errors"
	"fmt"
)

// ExhaustedError is returned when every round completed without a candidate
// answering SSH
type ExhaustedError struct {
	Rounds    int
	GPUsTried int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("race exhausted after %d rounds, %d GPUs tried", e.Rounds, e.GPUsTried)
}

// IsExhausted reports whether err is a race exhaustion
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
