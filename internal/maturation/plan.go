package maturation

import (
	"time"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

// DefaultStages is the plan used when a cohort is started without one.
func DefaultStages() []models.WarmupStage {
	return []models.WarmupStage{
		{
			Name:            "introduction",
			Duration:        24 * time.Hour,
			MessagesPerHour: 4,
			Guidance:        "Short greetings between cohort chips only. Do not send to outside numbers.",
		},
		{
			Name:            "familiarization",
			Duration:        48 * time.Hour,
			MessagesPerHour: 8,
			Guidance:        "Keep conversations inside the cohort. Profile photo and status should be set.",
		},
		{
			Name:            "engagement",
			Duration:        72 * time.Hour,
			MessagesPerHour: 15,
			Guidance:        "Small manual conversations with known contacts are fine.",
		},
		{
			Name:            "consolidation",
			Duration:        72 * time.Hour,
			MessagesPerHour: 25,
			Guidance:        "Chips are ready for low-volume campaigns once this stage completes.",
		},
	}
}

// DefaultMessagePool is the text pool used when neither the cohort nor the config has one.
var DefaultMessagePool = []string{
	"Hi! How are you?",
	"Good morning :)",
	"Did you see the game yesterday?",
	"All good here, and you?",
	"I'll call you later",
	"Thanks for yesterday!",
	"Are we still on for tomorrow?",
	"Haha that's great",
	"Just got home",
	"Can you send me that address again?",
	"Have a nice weekend!",
	"Sounds good, talk soon",
}

func validateStages(stages []models.WarmupStage) error {
	for i, st := range stages {
		if st.Duration <= 0 {
			return apperrors.Invalid("maturation.StartCohort", st.Name, "stage %d has no duration", i)
		}
		if st.MessagesPerHour <= 0 {
			return apperrors.Invalid("maturation.StartCohort", st.Name, "stage %d has no message rate", i)
		}
	}
	return nil
}

// minGap is the shortest spacing between cohort messages that keeps to the stage rate.
func minGap(st *models.WarmupStage) time.Duration {
	return time.Hour / time.Duration(st.MessagesPerHour)
}
