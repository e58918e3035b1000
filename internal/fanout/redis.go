// internal/fanout/redis.go
package fanout

import (
	"context"
	"time"

	"nginx-sentinel/internal/model"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// Redis Alert Publisher
//
// 프로세스 외부 consumer(알림 봇, SIEM 연동 등)를 위한 선택적
// Alert 브로드캐스트 채널. REDIS_ADDR 설정 시에만 활성화된다.
//
// best-effort: publish 실패는 로그만 남기고 파이프라인에
// 영향을 주지 않는다 (영속 기록은 store 가 담당).
// ------------------------------------------------------------

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher 는 연결 확인 후 publisher 를 반환한다.
// ping 실패 시 에러 — 시작 시점에 설정 오류를 바로 드러낸다.
func NewRedisPublisher(addr, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPublisher{client: client, channel: channel}, nil
}

// PublishAlert — alert.Sink 구현.
func (p *RedisPublisher) PublishAlert(a *model.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", p.channel).Msg("redis alert publish 실패")
	}
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
