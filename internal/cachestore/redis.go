package cachestore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	errs "github.com/jmgilman/go/errors"
	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key so several deployments can share a server.
	Prefix string
	TLS    RedisTLSConfig
}

// Key layout (all under Prefix):
//
//	seq                       INCR counter shared by names and entries
//	names                     ZSET cache name -> creation seq
//	cache:<name>:entries      HASH request key -> JSON entry
//	cache:<name>:order        ZSET request key -> insertion seq
type redisStorage struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to a redis/valkey server and pings it.
func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errs.New(errs.CodeInvalidConfig, "cachestore: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cachestore: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errs.New(errs.CodeInvalidConfig, "cachestore: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, backendErr(err, "redis client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, backendErr(err, "redis ping")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flashstudy:"
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

func (s *redisStorage) namesKey() string { return s.prefix + "names" }

func (s *redisStorage) seqKey() string { return s.prefix + "seq" }

func (s *redisStorage) entriesKey(name string) string { return s.prefix + "cache:" + name + ":entries" }

func (s *redisStorage) orderKey(name string) string { return s.prefix + "cache:" + name + ":order" }

func (s *redisStorage) nextSeq(ctx context.Context) (int64, error) {
	seq, err := s.client.Do(ctx, s.client.B().Incr().Key(s.seqKey()).Build()).AsInt64()
	if err != nil {
		return 0, backendErr(err, "redis incr")
	}
	return seq, nil
}

func (s *redisStorage) ensureNameCmd(name string, seq int64) valkey.Completed {
	return s.client.B().Zadd().Key(s.namesKey()).Nx().ScoreMember().ScoreMember(float64(seq), name).Build()
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.client.Do(ctx, s.ensureNameCmd(name, seq)).Error(); err != nil {
			return nil, backendErr(err, "redis create cache")
		}
	}
	return &redisCache{s: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.Do(ctx, s.client.B().Zscore().Key(s.namesKey()).Member(name).Build()).Error()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, backendErr(err, "redis zscore")
	}
	return true, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.namesKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, backendErr(err, "redis list caches")
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	results := s.client.DoMulti(ctx,
		s.client.B().Zrem().Key(s.namesKey()).Member(name).Build(),
		s.client.B().Del().Key(s.entriesKey(name), s.orderKey(name)).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return false, backendErr(err, "redis delete cache")
		}
	}
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, backendErr(err, "redis delete cache")
	}
	return removed > 0, nil
}

func (s *redisStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		ent, ok, err := s.get(ctx, name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *redisStorage) get(ctx context.Context, name, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.entriesKey(name)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, backendErr(err, "redis hget")
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, backendErr(err, "redis hget bytes")
	}
	var ent Entry
	if err := json.Unmarshal(payload, &ent); err != nil {
		return Entry{}, false, backendErr(err, "redis unmarshal")
	}
	return ent, true, nil
}

func (s *redisStorage) Close() error {
	s.client.Close()
	return nil
}

type redisCache struct {
	s    *redisStorage
	name string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	return c.s.get(ctx, c.name, key)
}

func (c *redisCache) Put(ctx context.Context, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cachestore: redis marshal: %w", err)
	}
	seq, err := c.s.nextSeq(ctx)
	if err != nil {
		return err
	}
	client := c.s.client
	results := client.DoMulti(ctx,
		c.s.ensureNameCmd(c.name, seq),
		client.B().Hset().Key(c.s.entriesKey(c.name)).FieldValue().FieldValue(key, string(payload)).Build(),
		client.B().Zadd().Key(c.s.orderKey(c.name)).ScoreMember().ScoreMember(float64(seq), key).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return backendErr(err, "redis put")
		}
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	client := c.s.client
	results := client.DoMulti(ctx,
		client.B().Hdel().Key(c.s.entriesKey(c.name)).Field(key).Build(),
		client.B().Zrem().Key(c.s.orderKey(c.name)).Member(key).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return false, backendErr(err, "redis delete")
		}
	}
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, backendErr(err, "redis delete")
	}
	return removed > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.s.client.Do(ctx, c.s.client.B().Zrange().Key(c.s.orderKey(c.name)).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, backendErr(err, "redis list keys")
	}
	return keys, nil
}

func (c *redisCache) Len(ctx context.Context) (int, error) {
	n, err := c.s.client.Do(ctx, c.s.client.B().Hlen().Key(c.s.entriesKey(c.name)).Build()).AsInt64()
	if err != nil {
		return 0, backendErr(err, "redis hlen")
	}
	return int(n), nil
}
