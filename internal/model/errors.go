// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はパイプラインで発生するエラーの分類。
type ErrorKind string

const (
	// KindUnmatchedIdentity はどの顧客にも帰属できなかったレコード。件数だけ数えて破棄する。
	KindUnmatchedIdentity ErrorKind = "unmatched_identity"
	// KindMalformedRecord は必須項目の検証に失敗した行。スキップして続行する。
	KindMalformedRecord ErrorKind = "malformed_record"
	// KindExternalLookup は外部参照の失敗。該当ルールは今回発火しない。
	KindExternalLookup ErrorKind = "external_lookup_failure"
	// KindPersistence は台帳への書き込み失敗。リトライ後にオペレーターへ通知する。
	KindPersistence ErrorKind = "persistence_failure"
)

// 定義済みエラー
var (
	ErrUnmatchedIdentity     = errors.New("unmatched identity")
	ErrMalformedRecord       = errors.New("malformed record")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrPersistence           = errors.New("persistence failure")
)

// PipelineError はバッチ処理中の1件分のエラーを表す。
// 1顧客・1ルール単位で隔離され、バッチ全体は中断しない。
type PipelineError struct {
	Kind   ErrorKind
	Source string // ソース名またはルール名
	Detail string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Source, e.Detail, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Source, e.Detail)
}

// Unwrap は内包するエラーを返す。errors.Isで種別の番兵エラーにも一致する。
func (e *PipelineError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindUnmatchedIdentity:
		sentinel = ErrUnmatchedIdentity
	case KindMalformedRecord:
		sentinel = ErrMalformedRecord
	case KindExternalLookup:
		sentinel = ErrDependencyUnavailable
	case KindPersistence:
		sentinel = ErrPersistence
	}
	errs := make([]error, 0, 2)
	if sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewMalformedRecordError は必須項目欠落エラーを生成する。
func NewMalformedRecordError(source, detail string) *PipelineError {
	return &PipelineError{Kind: KindMalformedRecord, Source: source, Detail: detail}
}

// NewUnmatchedIdentityError は帰属先不明エラーを生成する。
func NewUnmatchedIdentityError(source, detail string) *PipelineError {
	return &PipelineError{Kind: KindUnmatchedIdentity, Source: source, Detail: detail}
}

// NewExternalLookupError は外部参照失敗エラーを生成する。
func NewExternalLookupError(source string, err error) *PipelineError {
	return &PipelineError{Kind: KindExternalLookup, Source: source, Detail: "外部参照に失敗しました", Err: err}
}

// NewPersistenceError は台帳書き込み失敗エラーを生成する。
func NewPersistenceError(source, detail string, err error) *PipelineError {
	return &PipelineError{Kind: KindPersistence, Source: source, Detail: detail, Err: err}
}
