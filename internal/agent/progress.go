package agent

// Progress tiers per iteration. Values grow with the iteration number and
// are capped so the bar keeps moving but never reaches 100 before the
// terminal step.
func progressThinking(iteration int) float64  { return capped(10+5*iteration, 80) }
func progressReasoning(iteration int) float64 { return capped(15+5*iteration, 85) }
func progressToolCalling(iteration int) float64 {
	return capped(20+8*iteration, 90)
}
func progressToolExecuting(iteration int) float64 {
	return capped(25+8*iteration, 92)
}
func progressToolCompleted(iteration int) float64 {
	return capped(30+8*iteration, 95)
}

const progressDone = 100

func capped(v, max int) float64 {
	if v > max {
		v = max
	}
	return float64(v)
}
