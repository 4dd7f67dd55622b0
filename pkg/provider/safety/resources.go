package safety

// Crisis resources read out to callers. Numbers are spaced so text-to-speech
// engines pronounce them digit by digit.
const (
	ResourceEmergency  = "9 1 1"
	ResourceCrisisLine = "9 8 8"
	ResourceElderAbuse = "1 8 0 0 6 7 7 1 1 1 6"
)

// CrisisResponse returns the fixed reply spoken when a classification
// interrupts the call. The text never echoes what the caller said.
func CrisisResponse(c Classification) string {
	switch c.Category {
	case CategorySuicideRisk:
		return "I'm really glad you told me, and I'm worried about you. Please call or text " +
			ResourceCrisisLine + " right now to talk with someone who can help. " +
			"If you are in immediate danger, call " + ResourceEmergency + ". " +
			"I'm letting your care team know so someone can check on you."
	case CategoryAbusePhysical, CategoryAbuseEmotional, CategoryAbuseFinancial, CategoryNeglect:
		return "Thank you for telling me. You deserve to be safe. If you are in danger right now, please call " +
			ResourceEmergency + ". You can also reach the elder abuse hotline at " + ResourceElderAbuse + ". " +
			"I'm letting your care team know."
	default:
		return "This sounds like it could be a medical emergency. Please hang up and call " +
			ResourceEmergency + " right away, or ask someone near you to call. " +
			"I'm alerting your care team now."
	}
}
