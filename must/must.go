package must

// Be panics when an internal invariant does not hold. It guards programmer
// errors only, never input validation.
func Be(expr bool, msg string) {
	if !expr {
		panic("invariant violated: " + msg)
	}
}
