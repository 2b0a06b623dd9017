// Package controlbus 对接控制面：redis pub/sub 承载 web 会话下发的指令，
// provider 的在线状态也写在 redis 键上供控制面查询。
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/pkg/config"
	"github.com/vbetio/vbet/pkg/syncgroup"
)

const messageType = "chat.message"

// Message 控制面下发的一条指令
type Message struct {
	URI         string
	SessionKey  string
	ChannelName string
	Username    string
	Body        json.RawMessage
}

// 入站载荷外层
type inboundPayload struct {
	URI        string          `json:"uri"`
	SessionKey string          `json:"session_key"`
	Body       json.RawMessage `json:"body"`
}

// body 里混有路由字段，解出来方便上层分发
type inboundBody struct {
	ChannelName string `json:"channel_name"`
	Username    string `json:"username"`
}

// 出站载荷，格式与控制面的 channel layer 一致
type outboundPayload struct {
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	URI        string `json:"uri"`
	SessionKey string `json:"session_key"`
	Body       string `json:"body"`
}

// Bus 一个 provider 进程持有一个 Bus
type Bus struct {
	client   *redis.Client
	provider string
	server   string // {provider}_{shard}
	topic    string // {provider}_{shard}_live

	log      *logrus.Entry
	group    *syncgroup.SyncGroup
	messages chan Message
}

// New 构造 Bus，不建立订阅
func New(cfg config.BusConfig, provider, serverName, topic string) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Bus{
		client:   client,
		provider: provider,
		server:   serverName,
		topic:    topic,
		log:      logrus.WithField("component", "controlbus"),
		group:    syncgroup.NewSyncGroup(),
		messages: make(chan Message, 64),
	}
}

// Start 建立订阅并启动接收循环。ctx 取消后循环退出并关闭 Messages。
func (b *Bus) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	sub := b.client.Subscribe(ctx, b.topic)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	b.group.Go(func() {
		defer close(b.messages)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeMessage([]byte(raw.Payload))
				if err != nil {
					b.log.WithError(err).Warn("丢弃无法解析的控制指令")
					continue
				}
				select {
				case b.messages <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return nil
}

// Messages 控制指令流
func (b *Bus) Messages() <-chan Message {
	return b.messages
}

// SendToSession 给 web 会话推送一条消息。推送失败只记日志，
// 控制面掉线不能影响投注主流程。
func (b *Bus) SendToSession(channelName, sessionKey, uri string, body interface{}) {
	encoded, err := json.Marshal(body)
	if err != nil {
		b.log.WithError(err).WithField("uri", uri).Error("序列化推送消息失败")
		return
	}
	payload, err := json.Marshal(outboundPayload{
		Type:       messageType,
		Provider:   b.provider,
		URI:        uri,
		SessionKey: sessionKey,
		Body:       string(encoded),
	})
	if err != nil {
		b.log.WithError(err).Error("序列化推送载荷失败")
		return
	}
	b.group.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.Publish(ctx, channelName, payload).Err(); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{
				"channel": channelName,
				"uri":     uri,
			}).Warn("推送控制面消息失败")
		}
	})
}

// SetOnline 写 {provider}_{shard} = 在线用户数
func (b *Bus) SetOnline(ctx context.Context, users int) error {
	if err := b.client.Set(ctx, b.server, users, 0).Err(); err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

// SetUserLive 写 {provider}_{username}_live，控制面据此定位用户所在进程
func (b *Bus) SetUserLive(ctx context.Context, username string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal live payload: %w", err)
	}
	key := fmt.Sprintf("%s_%s_live", b.provider, username)
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set user live: %w", err)
	}
	return nil
}

// ClearUserLive 用户下线时删除定位键
func (b *Bus) ClearUserLive(ctx context.Context, username string) error {
	key := fmt.Sprintf("%s_%s_live", b.provider, username)
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear user live: %w", err)
	}
	return nil
}

// ClearOnline 进程退出前清除在线标记
func (b *Bus) ClearOnline(ctx context.Context) error {
	if err := b.client.Del(ctx, b.server, b.topic).Err(); err != nil {
		return fmt.Errorf("clear online: %w", err)
	}
	return nil
}

// Close 等接收循环退出并关闭连接
func (b *Bus) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return b.client.Close()
}

func decodeMessage(raw []byte) (Message, error) {
	var payload inboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.URI == "" {
		return Message{}, fmt.Errorf("missing uri")
	}
	msg := Message{
		URI:        payload.URI,
		SessionKey: payload.SessionKey,
		Body:       payload.Body,
	}
	if len(payload.Body) > 0 {
		var body inboundBody
		if err := json.Unmarshal(payload.Body, &body); err != nil {
			return Message{}, fmt.Errorf("decode body: %w", err)
		}
		msg.ChannelName = body.ChannelName
		msg.Username = body.Username
	}
	return msg, nil
}
