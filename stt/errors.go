package stt

import (
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Transient классифицирует ошибку потока: true - поток можно пересоздать
// (один раз, с выключенной сервисной диаризацией), false - фатально для сессии
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal:
		return true
	case codes.OutOfRange:
		// Сервис закрывает слишком длинные потоки OutOfRange - пересоздаваемо
		return true
	default:
		return false
	}
}

// Fatal ошибки конфигурации/авторизации, ретраить бессмысленно
func Fatal(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return true
	default:
		return false
	}
}
