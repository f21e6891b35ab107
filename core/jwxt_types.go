package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one row from the academic-affairs service. Item fields depend on
// the upstream page that was scraped (grade columns use the table headers).
type Record map[string]any

// String returns the field as text; numbers are formatted, missing fields are "".
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

type Course = Record
type Grade = Record
type Exam = Record

// CourseData is the /course response. It is cached verbatim.
type CourseData struct {
	Success      bool     `json:"success"`
	Courses      []Course `json:"courses"`
	Semester     string   `json:"semester,omitempty"`
	SemesterID   string   `json:"semester_id,omitempty"`
	TotalCourses int      `json:"total_courses,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type GradeData struct {
	Success      bool           `json:"success"`
	Grades       []Grade        `json:"grades"`
	Statistics   map[string]any `json:"statistics,omitempty"`
	Semester     string         `json:"semester,omitempty"`
	SemesterID   string         `json:"semester_id,omitempty"`
	TotalCourses int            `json:"total_courses,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type ExamData struct {
	Success    bool   `json:"success"`
	Exams      []Exam `json:"exams"`
	Semester   string `json:"semester,omitempty"`
	SemesterID string `json:"semester_id,omitempty"`
	Total      int    `json:"total,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Semester is one selectable term, e.g. {"id": "2024-1", "name": "2024-2025 第一学期"}.
type Semester struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SemesterList is the /semester response. Upstream versions label the
// current term "current", "current_semester" or "current_semester_id".
type SemesterList struct {
	Semesters []Semester `json:"semesters"`
	Current   string     `json:"current"`
}

func (s *SemesterList) UnmarshalJSON(b []byte) error {
	var raw struct {
		Semesters         []json.RawMessage `json:"semesters"`
		Current           string            `json:"current"`
		CurrentSemester   string            `json:"current_semester"`
		CurrentSemesterID string            `json:"current_semester_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Current = firstNonEmpty(raw.Current, raw.CurrentSemesterID, raw.CurrentSemester)
	s.Semesters = make([]Semester, 0, len(raw.Semesters))
	for _, item := range raw.Semesters {
		var sem Semester
		// older deployments return bare ids
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			sem = Semester{ID: id, Name: id}
		} else if err := json.Unmarshal(item, &sem); err != nil {
			return err
		}
		s.Semesters = append(s.Semesters, sem)
	}
	return nil
}

// EvaluationItem is a pending teaching evaluation.
type EvaluationItem struct {
	ID          string `json:"id"`
	CourseName  string `json:"course_name"`
	TeacherName string `json:"teacher_name"`
	CourseCode  string `json:"course_code,omitempty"`
	CourseType  string `json:"course_type,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (e *EvaluationItem) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		LessonID    json.RawMessage `json:"lesson_id"`
		CourseName  string          `json:"course_name"`
		CourseNameC string          `json:"courseName"`
		TeacherName string          `json:"teacher_name"`
		TeacherC    string          `json:"teacherName"`
		CourseCode  string          `json:"course_code"`
		CourseType  string          `json:"course_type"`
		Status      string          `json:"status"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.ID = firstNonEmpty(rawScalar(raw.ID), rawScalar(raw.LessonID))
	e.CourseName = firstNonEmpty(raw.CourseName, raw.CourseNameC)
	e.TeacherName = firstNonEmpty(raw.TeacherName, raw.TeacherC)
	e.CourseCode = raw.CourseCode
	e.CourseType = raw.CourseType
	e.Status = raw.Status
	return nil
}

// EvaluationSubmission is the body of POST /evaluation/submit/{id}.
type EvaluationSubmission struct {
	Scores  map[string]int `json:"scores"`
	Comment string         `json:"comment,omitempty"`
}

type EvaluationResult struct {
	EvaluationID string `json:"evaluation_id"`
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
}

func (r *EvaluationResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		EvaluationID json.RawMessage `json:"evaluation_id"`
		EvalIDC      json.RawMessage `json:"evaluationId"`
		LessonID     json.RawMessage `json:"lesson_id"`
		Success      bool            `json:"success"`
		Message      string          `json:"message"`
		Error        string          `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.EvaluationID = firstNonEmpty(rawScalar(raw.EvaluationID), rawScalar(raw.EvalIDC), rawScalar(raw.LessonID))
	r.Success = raw.Success
	r.Message = firstNonEmpty(raw.Message, raw.Error)
	return nil
}

// AutoEvaluateResult summarises POST /evaluation/auto.
type AutoEvaluateResult struct {
	Success int                `json:"success"`
	Failed  int                `json:"failed"`
	Results []EvaluationResult `json:"results"`
}

func (r *AutoEvaluateResult) UnmarshalJSON(b []byte) error {
	// The service reports either {success:N, failed, results} or
	// {success:true, succeeded:N, failed, details}.
	var raw struct {
		Success   json.RawMessage    `json:"success"`
		Succeeded *int               `json:"succeeded"`
		Failed    int                `json:"failed"`
		Results   []EvaluationResult `json:"results"`
		Details   []EvaluationResult `json:"details"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Failed = raw.Failed
	r.Results = raw.Results
	if r.Results == nil {
		r.Results = raw.Details
	}
	if raw.Succeeded != nil {
		r.Success = *raw.Succeeded
	} else {
		var n int
		if err := json.Unmarshal(raw.Success, &n); err == nil {
			r.Success = n
		}
	}
	if r.Results == nil {
		r.Results = []EvaluationResult{}
	}
	return nil
}

// UpstreamUserInfo is the normalized student profile.
type UpstreamUserInfo struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	College   string `json:"college,omitempty"`
	Major     string `json:"major,omitempty"`
	ClassName string `json:"class_name,omitempty"`
}

// userInfoFields lists, per normalized field, the upstream labels that carry it
// in priority order.
var userInfoFields = map[string][]string{
	"student_id": {"student_id", "student_code", "studentId", "学号"},
	"name":       {"name", "real_name", "姓名"},
	"college":    {"department", "college", "院系", "学院"},
	"major":      {"major", "专业"},
	"class_name": {"class_name", "className", "class", "班级"},
}

// NormalizeUserInfo maps heterogeneous upstream profile fields onto
// UpstreamUserInfo. fallbackID is used when no student id field is present.
func NormalizeUserInfo(raw map[string]any, fallbackID string) UpstreamUserInfo {
	pick := func(field string) string {
		r := Record(raw)
		for _, label := range userInfoFields[field] {
			if v := strings.TrimSpace(r.String(label)); v != "" {
				return v
			}
		}
		return ""
	}
	return UpstreamUserInfo{
		StudentID: firstNonEmpty(pick("student_id"), fallbackID),
		Name:      pick("name"),
		College:   pick("college"),
		Major:     pick("major"),
		ClassName: pick("class_name"),
	}
}

// UpstreamSession is a successful login. It is never stored by this layer.
type UpstreamSession struct {
	Token            string            `json:"token"`
	ExpiresInSeconds int               `json:"expires_in"`
	UserInfo         *UpstreamUserInfo `json:"user_info,omitempty"`
}

// LoginResult reports rejected credentials in-band: Success=false with Error set.
type LoginResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	UpstreamSession
}

type RefreshResult struct {
	Success          bool   `json:"success"`
	Token            string `json:"token,omitempty"`
	ExpiresInSeconds int    `json:"expires_in,omitempty"`
}

// UpstreamCacheStats is the academic-affairs service's own cache summary.
type UpstreamCacheStats map[string]any

type UpstreamCacheClearResult struct {
	Cleared int    `json:"cleared"`
	Message string `json:"message"`
}

func rawScalar(b json.RawMessage) string {
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(b))
}
