// internal/config/watcher.go
package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DetectionSource
// ------------------------------------------------------------
// 현재 유효한 DetectionConfig 의 단일 출처(source of truth).
//
// 파이프라인 컴포넌트들은 포인터를 들고 있다가 매 이벤트마다
// Current() 로 스냅샷을 읽는다 — 분류 도중에는 설정이 바뀌지 않고,
// 다음 이벤트부터 새 설정이 적용된다. ingestion 은 멈추지 않는다.
//
// reload 규칙:
//   - 파일 변경 감지(fsnotify) → debounce 후 재로드
//   - Validate 실패 시 swap 하지 않고 이전 설정 유지 + 에러 로그
type DetectionSource struct {
	path    string
	current atomic.Pointer[DetectionConfig]

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu        sync.Mutex
	callbacks []func(*DetectionConfig)

	debounce time.Duration
	timer    *time.Timer
}

// NewDetectionSource 는 기동 시점 설정을 로드한다.
// 이 시점의 Validate 실패는 에러로 반환되며 caller 가 fatal 처리한다.
func NewDetectionSource(path string) (*DetectionSource, error) {
	d, err := LoadDetection(path)
	if err != nil {
		return nil, err
	}

	s := &DetectionSource{
		path:     path,
		debounce: time.Second,
	}
	s.current.Store(d)
	return s, nil
}

// Current 는 현재 유효한 설정 스냅샷을 반환한다. lock-free.
func (s *DetectionSource) Current() *DetectionConfig {
	return s.current.Load()
}

// OnReload 는 swap 성공 시 호출될 콜백을 등록한다.
// (예: behavioral classifier 의 윈도우 파라미터 갱신)
func (s *DetectionSource) OnReload(fn func(*DetectionConfig)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Watch 는 파일 변경 감시를 시작한다.
// 파일 자체와 디렉토리를 함께 감시한다 — 에디터/배포 도구가
// rename-replace 방식으로 파일을 교체하는 경우를 잡기 위함.
func (s *DetectionSource) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	// 파일이 아직 없을 수 있으므로 실패해도 무방 (디렉토리 감시로 커버됨)
	_ = w.Add(s.path)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.loop(ctx)

	log.Info().Str("path", s.path).Msg("detection config watcher started")
	return nil
}

func (s *DetectionSource) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("detection config watcher error")
		}
	}
}

// scheduleReload — 저장 직후 연속으로 들어오는 write 이벤트를
// debounce 해서 reload 를 1회로 합친다.
func (s *DetectionSource) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.reload)
}

func (s *DetectionSource) reload() {
	d, err := LoadDetection(s.path)
	if err != nil {
		// 이전 설정 유지. 설정 오류로 탐지가 멈추는 일은 없다.
		log.Error().Err(err).Str("path", s.path).
			Msg("detection config reload rejected, keeping previous")
		return
	}

	s.current.Store(d)
	log.Info().Str("path", s.path).Msg("detection config reloaded")

	s.mu.Lock()
	cbs := make([]func(*DetectionConfig), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for _, fn := range cbs {
		fn(d)
	}
}

// Close 는 감시를 중단한다. reload 중이던 작업은 끝까지 수행된다.
func (s *DetectionSource) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}
