package trainer

import "fmt"

// NumericalInstabilityError aborts a run once more steps than the
// configured limit produced a non-finite objective or gradient.
type NumericalInstabilityError struct {
	Epoch int
	Step  int
	Count int
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("trainer: %d non-finite steps (epoch=%d step=%d)", e.Count, e.Epoch, e.Step)
}
