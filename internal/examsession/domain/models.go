package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"gorm.io/datatypes"
)

// Module is one of the four exam components.
type Module string

const (
	ModuleSpeaking  Module = "speaking"
	ModuleWriting   Module = "writing"
	ModuleReading   Module = "reading"
	ModuleListening Module = "listening"
)

func ParseModule(s string) (Module, bool) {
	switch Module(s) {
	case ModuleSpeaking, ModuleWriting, ModuleReading, ModuleListening:
		return Module(s), true
	}
	return "", false
}

// Evaluated reports whether the module's result comes from the async
// evaluation pipeline rather than an objective answer key.
func (m Module) Evaluated() bool {
	return m == ModuleSpeaking || m == ModuleWriting
}

// Variant is the shape of an attempt: the full four-module mock exam or a
// single-module practice run.
type Variant string

const (
	VariantFullMock          Variant = "full_mock"
	VariantSpeakingPractice  Variant = "speaking_practice"
	VariantWritingPractice   Variant = "writing_practice"
	VariantReadingPractice   Variant = "reading_practice"
	VariantListeningPractice Variant = "listening_practice"
)

func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case VariantFullMock, VariantSpeakingPractice, VariantWritingPractice,
		VariantReadingPractice, VariantListeningPractice:
		return Variant(s), true
	}
	return "", false
}

// Modules returns the fixed module set for the variant. The set is decided
// at session creation and never changes afterwards.
func (v Variant) Modules() []Module {
	switch v {
	case VariantFullMock:
		return []Module{ModuleSpeaking, ModuleWriting, ModuleReading, ModuleListening}
	case VariantSpeakingPractice:
		return []Module{ModuleSpeaking}
	case VariantWritingPractice:
		return []Module{ModuleWriting}
	case VariantReadingPractice:
		return []Module{ModuleReading}
	case VariantListeningPractice:
		return []Module{ModuleListening}
	}
	return nil
}

// Category maps the variant onto the entitlement bucket it consumes.
func (v Variant) Category() entitlementdomain.Category {
	switch v {
	case VariantFullMock:
		return entitlementdomain.CategoryFullTest
	case VariantSpeakingPractice, VariantWritingPractice:
		return entitlementdomain.CategorySectionA
	case VariantReadingPractice, VariantListeningPractice:
		return entitlementdomain.CategorySectionB
	}
	return ""
}

// ExamSession is one attempt at an exam. At most one row per (user, exam);
// starting an exam twice returns the existing row instead of erroring.
type ExamSession struct {
	ID               snowflake.ID   `gorm:"primaryKey"`
	UserID           snowflake.ID   `gorm:"not null;uniqueIndex:ux_exam_sessions_user_exam,priority:1"`
	ExamID           string         `gorm:"type:text;not null;uniqueIndex:ux_exam_sessions_user_exam,priority:2"`
	Variant          Variant        `gorm:"type:text;not null"`
	TaskIDs          datatypes.JSON `gorm:"not null"`
	CompletedModules datatypes.JSON `gorm:"not null"`
	CurrentModule    *Module        `gorm:"type:text"`
	Completed        bool           `gorm:"not null;default:false"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ExamSession) TableName() string { return "exam_sessions" }

// TaskFor returns the task fixed for a module at session creation.
func (s *ExamSession) TaskFor(module Module) (snowflake.ID, bool) {
	tasks, err := DecodeTaskIDs(s.TaskIDs)
	if err != nil {
		return 0, false
	}
	id, ok := tasks[module]
	return id, ok
}

// CompletedSet decodes the completion set. A corrupt column decodes to an
// empty set rather than failing the read path.
func (s *ExamSession) CompletedSet() map[Module]bool {
	var modules []Module
	_ = json.Unmarshal(s.CompletedModules, &modules)
	set := make(map[Module]bool, len(modules))
	for _, m := range modules {
		set[m] = true
	}
	return set
}

func EncodeTaskIDs(tasks map[Module]snowflake.ID) (datatypes.JSON, error) {
	byModule := make(map[Module]string, len(tasks))
	for module, id := range tasks {
		byModule[module] = id.String()
	}
	raw, err := json.Marshal(byModule)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func DecodeTaskIDs(raw datatypes.JSON) (map[Module]snowflake.ID, error) {
	var byModule map[Module]string
	if err := json.Unmarshal(raw, &byModule); err != nil {
		return nil, err
	}
	tasks := make(map[Module]snowflake.ID, len(byModule))
	for module, s := range byModule {
		id, err := snowflake.ParseString(s)
		if err != nil {
			return nil, err
		}
		tasks[module] = id
	}
	return tasks, nil
}

func EncodeModules(modules []Module) datatypes.JSON {
	if modules == nil {
		modules = []Module{}
	}
	raw, _ := json.Marshal(modules)
	return datatypes.JSON(raw)
}

type ResultStatus string

const (
	ResultStatusLoading ResultStatus = "loading"
	ResultStatusFinal   ResultStatus = "final"
	ResultStatusFailed  ResultStatus = "failed"
)

// Result is a module outcome, provisional or final. It is keyed by
// (user, exam, module) so a later evaluation job can locate the placeholder
// and overwrite it in place instead of creating a duplicate. Results may
// outlive their session.
type Result struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	UserID    snowflake.ID   `gorm:"not null;uniqueIndex:ux_results_user_exam_module,priority:1"`
	ExamID    string         `gorm:"type:text;not null;uniqueIndex:ux_results_user_exam_module,priority:2"`
	Module    Module         `gorm:"type:text;not null;uniqueIndex:ux_results_user_exam_module,priority:3"`
	Status    ResultStatus   `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Result) TableName() string { return "results" }

// UserExamState is the per-user dashboard pointer: exams finished for good
// and the exam currently in flight.
type UserExamState struct {
	UserID           snowflake.ID   `gorm:"primaryKey"`
	CompletedExamIDs datatypes.JSON `gorm:"not null"`
	ActiveExamID     *string        `gorm:"type:text"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UserExamState) TableName() string { return "user_exam_states" }

func (s *UserExamState) CompletedIDs() map[string]bool {
	var ids []string
	_ = json.Unmarshal(s.CompletedExamIDs, &ids)
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func EncodeExamIDs(ids []string) datatypes.JSON {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return datatypes.JSON(raw)
}
