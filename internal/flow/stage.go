package flow

import (
	"fmt"
	"strings"
)

// Stage is one step of the onboarding wizard. The zero value is not a stage.
type Stage int

const (
	Qualification Stage = iota + 1
	ApplicationPage1
	ApplicationPage2
	ApplicationPage3
	ApplicationPage4
	ApplicationPage5
	PolicyConsents
	DriveTest
	Training
	DrugTest
	FlatbedTraining
)

// Owner says who marks a stage as done.
type Owner string

const (
	OwnerApplicant Owner = "applicant"
	OwnerAdmin     Owner = "admin"
)

// Stages lists every known stage in catalog order.
func Stages() []Stage {
	return []Stage{
		Qualification,
		ApplicationPage1,
		ApplicationPage2,
		ApplicationPage3,
		ApplicationPage4,
		ApplicationPage5,
		PolicyConsents,
		DriveTest,
		Training,
		DrugTest,
		FlatbedTraining,
	}
}

// String returns the wire key of the stage.
func (s Stage) String() string {
	switch s {
	case Qualification:
		return "qualification"
	case ApplicationPage1:
		return "application_page_1"
	case ApplicationPage2:
		return "application_page_2"
	case ApplicationPage3:
		return "application_page_3"
	case ApplicationPage4:
		return "application_page_4"
	case ApplicationPage5:
		return "application_page_5"
	case PolicyConsents:
		return "policy_consents"
	case DriveTest:
		return "drive_test"
	case Training:
		return "training"
	case DrugTest:
		return "drug_test"
	case FlatbedTraining:
		return "flatbed_training"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Label is the human-readable title shown to applicants and admins.
func (s Stage) Label() string {
	switch s {
	case Qualification:
		return "Qualification"
	case ApplicationPage1:
		return "Application: personal details"
	case ApplicationPage2:
		return "Application: licence and endorsements"
	case ApplicationPage3:
		return "Application: employment history"
	case ApplicationPage4:
		return "Application: driving record"
	case ApplicationPage5:
		return "Application: review and sign"
	case PolicyConsents:
		return "Policy consents"
	case DriveTest:
		return "Drive test"
	case Training:
		return "Training"
	case DrugTest:
		return "Drug test"
	case FlatbedTraining:
		return "Flatbed training"
	default:
		return s.String()
	}
}

// Owner reports whether the applicant submits the stage or an admin records its result.
func (s Stage) Owner() Owner {
	switch s {
	case Qualification, ApplicationPage1, ApplicationPage2, ApplicationPage3,
		ApplicationPage4, ApplicationPage5, PolicyConsents:
		return OwnerApplicant
	case DriveTest, Training, DrugTest, FlatbedTraining:
		return OwnerAdmin
	default:
		return ""
	}
}

// Valid reports whether s is part of the catalog.
func (s Stage) Valid() bool {
	return s >= Qualification && s <= FlatbedTraining
}

// ParseStage maps a wire key back to its stage.
func ParseStage(key string) (Stage, error) {
	key = strings.TrimSpace(strings.ToLower(key))
	for _, s := range Stages() {
		if s.String() == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", key)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
