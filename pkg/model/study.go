package model

import (
	"fmt"
	"regexp"
	"time"
)

// Direction 目标方向
type Direction string

const (
	Minimize Direction = "minimize"
	Maximize Direction = "maximize"
)

func (d Direction) Valid() bool {
	return d == Minimize || d == Maximize
}

// StudyState Study 生命周期
type StudyState string

const (
	StudyCreated StudyState = "created"
	StudyRunning StudyState = "running"
	StudyPaused  StudyState = "paused"
)

type Study struct {
	Name      string      `json:"name"`      // 唯一主键
	Direction []Direction `json:"direction"` // 每个目标一个方向，创建后不可变

	// 由执行层解析的不透明标识
	ObjectiveFile     string `json:"objectiveFile"`
	ObjectiveFunction string `json:"objectiveFunction"`

	State     StudyState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Study 名字同时用作目录名和 URL 路径段
var studyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateStudyName 只允许字母数字开头，后续可含 . _ -
func ValidateStudyName(name string) error {
	if name == "" {
		return fmt.Errorf("study name is required")
	}
	if !studyNamePattern.MatchString(name) {
		return fmt.Errorf("study name %q must match %s", name, studyNamePattern)
	}
	return nil
}

// Validate 创建前的基本校验
func (s *Study) Validate() error {
	if err := ValidateStudyName(s.Name); err != nil {
		return err
	}
	if len(s.Direction) == 0 {
		return fmt.Errorf("study %s needs at least one direction", s.Name)
	}
	for _, d := range s.Direction {
		if !d.Valid() {
			return fmt.Errorf("study %s has invalid direction %q", s.Name, d)
		}
	}
	if s.ObjectiveFile == "" || s.ObjectiveFunction == "" {
		return fmt.Errorf("study %s needs an objective file and function", s.Name)
	}
	return nil
}

// Clone 深拷贝，store 返回副本防止调用方改到内部状态
func (s Study) Clone() Study {
	s.Direction = append([]Direction(nil), s.Direction...)
	return s
}
