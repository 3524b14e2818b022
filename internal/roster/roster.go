// Package roster is the coach-management client: students, groups,
// class schedules and attendance. These entities share the reservation
// cache layer, each under its own resource namespace, but carry no
// optimistic protocol; writes go straight to the backend and invalidate
// the affected keys.
package roster

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/chedoparti/clubsync/internal/api"
	"github.com/chedoparti/clubsync/internal/cache"
)

// Resource namespaces within the shared cache.
const (
	ResourceStudents   = "students"
	ResourceGroups     = "groups"
	ResourceSchedules  = "schedules"
	ResourceAttendance = "attendance"
)

// Student is a club member enrolled in coached classes.
type Student struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Email            string  `json:"email,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	MembershipNumber string  `json:"membershipNumber,omitempty"`
	GroupIDs         []int64 `json:"groupIds,omitempty"`
	Active           bool    `json:"active"`
}

// Group is a named set of students under one coach.
type Group struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	CoachID    string  `json:"coachId,omitempty"`
	StudentIDs []int64 `json:"studentIds,omitempty"`
	Archived   bool    `json:"archived"`
}

// Schedule is a recurring class slot for a group.
type Schedule struct {
	ID        int64  `json:"id"`
	GroupID   int64  `json:"groupId"`
	CourtID   int64  `json:"courtId"`
	CoachID   string `json:"coachId,omitempty"`
	DayOfWeek int    `json:"dayOfWeek"`
	Time      string `json:"time"`
	Duration  string `json:"duration"`
}

// AttendanceRecord marks one student's presence at one class occurrence.
type AttendanceRecord struct {
	ID         int64  `json:"id,omitempty"`
	ScheduleID int64  `json:"scheduleId"`
	StudentID  int64  `json:"studentId"`
	Date       string `json:"date"`
	Present    bool   `json:"present"`
	Notes      string `json:"notes,omitempty"`
}

// Service fetches roster entities through the cache.
type Service struct {
	client *api.Client
	cache  *cache.Cache
	log    zerolog.Logger
}

// New binds the roster endpoints to a transport and cache.
func New(c *api.Client, ca *cache.Cache, log zerolog.Logger) *Service {
	return &Service{client: c, cache: ca, log: log}
}

func listKey(resource string) cache.Key {
	return cache.Key{Resource: resource, Kind: cache.KindList}
}

func detailKey(resource string, id int64) cache.Key {
	return cache.Key{Resource: resource, Kind: cache.KindDetail, Arg: strconv.FormatInt(id, 10)}
}

// cachedList fetches a list endpoint through the cache, so concurrent
// callers share one request and repeat reads within the stale window cost
// nothing.
func cachedList[T any](ctx context.Context, s *Service, key cache.Key, path string, query url.Values) ([]T, error) {
	v, err := s.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		var out []T
		if err := s.client.Do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, func(any) {})
	if err != nil {
		return nil, err
	}
	list, _ := v.([]T)
	return list, nil
}

func cachedDetail[T any](ctx context.Context, s *Service, key cache.Key, path string) (T, error) {
	var zero T
	v, err := s.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		var out T
		if err := s.client.Do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, func(any) {})
	if err != nil {
		return zero, err
	}
	got, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return got, nil
}

// Students lists every student.
func (s *Service) Students(ctx context.Context) ([]Student, error) {
	return cachedList[Student](ctx, s, listKey(ResourceStudents), "/students", nil)
}

// Student fetches one student by id.
func (s *Service) Student(ctx context.Context, id int64) (Student, error) {
	return cachedDetail[Student](ctx, s, detailKey(ResourceStudents, id), "/students/"+strconv.FormatInt(id, 10))
}

// StudentsByGroup lists the members of a group in roster order.
func (s *Service) StudentsByGroup(ctx context.Context, groupID int64) ([]Student, error) {
	key := cache.Key{Resource: ResourceStudents, Kind: "by-group", Arg: strconv.FormatInt(groupID, 10)}
	return cachedList[Student](ctx, s, key, "/students/by-group/"+strconv.FormatInt(groupID, 10), nil)
}

// Groups lists every group.
func (s *Service) Groups(ctx context.Context) ([]Group, error) {
	return cachedList[Group](ctx, s, listKey(ResourceGroups), "/groups", nil)
}

// Group fetches one group by id.
func (s *Service) Group(ctx context.Context, id int64) (Group, error) {
	return cachedDetail[Group](ctx, s, detailKey(ResourceGroups, id), "/groups/"+strconv.FormatInt(id, 10))
}

// Schedules lists every coach schedule.
func (s *Service) Schedules(ctx context.Context) ([]Schedule, error) {
	return cachedList[Schedule](ctx, s, listKey(ResourceSchedules), "/coach-schedules", nil)
}

// SchedulesByGroup lists a group's recurring class slots.
func (s *Service) SchedulesByGroup(ctx context.Context, groupID int64) ([]Schedule, error) {
	key := cache.Key{Resource: ResourceSchedules, Kind: "by-group", Arg: strconv.FormatInt(groupID, 10)}
	return cachedList[Schedule](ctx, s, key, "/coach-schedules/by-group/"+strconv.FormatInt(groupID, 10), nil)
}

// Attendance lists the records for a schedule on a date.
func (s *Service) Attendance(ctx context.Context, scheduleID int64, date string) ([]AttendanceRecord, error) {
	q := url.Values{}
	q.Set("scheduleId", strconv.FormatInt(scheduleID, 10))
	q.Set("date", date)
	key := cache.Key{
		Resource: ResourceAttendance,
		Kind:     cache.KindList,
		Arg:      strconv.FormatInt(scheduleID, 10) + ":" + date,
	}
	return cachedList[AttendanceRecord](ctx, s, key, "/attendance", q)
}

// RecordAttendance submits one attendance mark and invalidates the
// schedule's attendance reads.
func (s *Service) RecordAttendance(ctx context.Context, rec AttendanceRecord) error {
	if err := s.client.Do(ctx, http.MethodPost, "/attendance", nil, rec, nil); err != nil {
		return err
	}
	s.cache.InvalidateResource(ResourceAttendance)
	return nil
}

// RecordAttendanceBulk submits a whole class sheet in one call.
func (s *Service) RecordAttendanceBulk(ctx context.Context, scheduleID int64, records []AttendanceRecord) error {
	body := map[string]any{"scheduleId": scheduleID, "attendanceList": records}
	if err := s.client.Do(ctx, http.MethodPost, "/attendance/bulk", nil, body, nil); err != nil {
		return err
	}
	s.cache.InvalidateResource(ResourceAttendance)
	return nil
}

// AddStudentToGroup enrolls a student and invalidates both rosters.
func (s *Service) AddStudentToGroup(ctx context.Context, groupID, studentID int64) error {
	body := map[string]int64{"studentId": studentID}
	path := "/groups/" + strconv.FormatInt(groupID, 10) + "/students"
	if err := s.client.Do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return err
	}
	s.cache.InvalidateResource(ResourceGroups)
	s.cache.InvalidateResource(ResourceStudents)
	return nil
}

// RemoveStudentFromGroup withdraws a student and invalidates both rosters.
func (s *Service) RemoveStudentFromGroup(ctx context.Context, groupID, studentID int64) error {
	path := "/groups/" + strconv.FormatInt(groupID, 10) + "/students/" + strconv.FormatInt(studentID, 10)
	if err := s.client.Do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return err
	}
	s.cache.InvalidateResource(ResourceGroups)
	s.cache.InvalidateResource(ResourceStudents)
	return nil
}
