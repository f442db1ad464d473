/*
presets.go - Pre-built reward configurations

PURPOSE:
  Ready-to-use catalog entries for the events the app raises most. The
  `seed` command loads DefaultCatalog() when no catalog file is given.

AVAILABLE PRESETS:
  DailyCheckinReward:
    - unlimited recurrence
    - timestamp > prevTimeStamp (date), one claim per UTC day

  HeartRateReward:
    - once per user
    - Observation component "heart-rate" within a configured range

  QuestionnaireReward:
    - once per user
    - any answer to the given questionnaire item

  OneTimeReward:
    - no conditions, recurrence 1 (signup, KYC, permissions)

SEE ALSO:
  - factory/reward.go: JSON-based reward creation
*/
package rewards

import "strconv"

// DailyCheckinReward pays amount once per UTC day.
func DailyCheckinReward(amount int64) Reward {
	return Reward{
		Event:           EventCheckinAppDaily,
		Title:           "Daily check-in",
		Description:     "Open the app once a day",
		Amount:          amount,
		Status:          StatusActive,
		RecurrenceCount: UnlimitedRecurrence,
		Priority:        PriorityLow,
		Conditions: Conditions{{
			Field:           FieldTimestamp,
			Comparator:      CmpGreater,
			Value:           FieldPrevTimestamp,
			ValueType:       ValueDate,
			IsValueAbsolute: false,
		}},
	}
}

// HeartRateReward pays once for a heart-rate observation at or above min.
func HeartRateReward(amount int64, component string, min int) Reward {
	return Reward{
		Event:           EventMonitorHeartRateDaily,
		Title:           "Monitor your heart rate",
		Amount:          amount,
		Status:          StatusActive,
		RecurrenceCount: 1,
		Priority:        PriorityMedium,
		OriginResource:  "Observation",
		Conditions: Conditions{{
			Field:           component,
			Comparator:      CmpGreaterOrEqual,
			Value:           strconv.Itoa(min),
			ValueType:       ValueInt,
			IsValueAbsolute: true,
		}},
	}
}

// QuestionnaireReward pays once when item is answered with want.
func QuestionnaireReward(amount int64, item, want string) Reward {
	return Reward{
		Event:           EventCompleteQuestionnaire,
		Title:           "Complete your health questionnaire",
		Amount:          amount,
		Status:          StatusActive,
		RecurrenceCount: 1,
		Priority:        PriorityHigh,
		OriginResource:  "QuestionnaireResponse",
		Conditions: Conditions{{
			Field:           item,
			Comparator:      CmpEqual,
			Value:           want,
			ValueType:       ValueText,
			IsValueAbsolute: true,
		}},
	}
}

// OneTimeReward pays amount the first time event happens.
func OneTimeReward(event Event, title string, amount int64) Reward {
	return Reward{
		Event:           event,
		Title:           title,
		Amount:          amount,
		Status:          StatusActive,
		RecurrenceCount: 1,
		Priority:        PriorityLow,
	}
}

// DefaultCatalog is the catalog a fresh deployment starts with.
func DefaultCatalog() []Reward {
	return []Reward{
		DailyCheckinReward(10),
		HeartRateReward(50, "heart-rate", 40),
		QuestionnaireReward(100, "consent", "true"),
		OneTimeReward(EventSignupHealthID, "Create your Health ID", 200),
		OneTimeReward(EventVerifyKYC, "Verify your identity", 150),
		OneTimeReward(EventAllowNotifications, "Turn on notifications", 20),
		OneTimeReward(EventAllowHealthkit, "Connect HealthKit", 50),
	}
}
