package store

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// RedisProvider backs the cache with a shared Redis, one hash per store.
type RedisProvider struct {
	client *redis.Client
	ctx    context.Context
}

func (p *RedisProvider) InitStores() {
	p.ctx = context.Background()
	p.client = redis.NewClient(&redis.Options{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
}

func (p *RedisProvider) GetValue(storeName, key string) (interface{}, bool) {
	key = applyKeyPrefix(key)
	val, err := p.client.HGet(p.ctx, storeName, key).Result()
	if err == redis.Nil {
		return nil, false
	} else if err != nil {
		logger.Errorf("failed to get item: %v", err)
		return nil, false
	}
	var value interface{}
	if err := json.Unmarshal([]byte(val), &value); err != nil {
		logger.Errorf("failed to unmarshal value: %v", err)
		return nil, false
	}
	return value, true
}

func (p *RedisProvider) StoreValue(storeName, key string, value interface{}) {
	key = applyKeyPrefix(key)
	valueBytes, err := json.Marshal(value)
	if err != nil {
		logger.Errorf("failed to marshal value: %v", err)
		return
	}
	if err := p.client.HSet(p.ctx, storeName, key, valueBytes).Err(); err != nil {
		logger.Errorf("failed to set item: %v", err)
		return
	}
	if err := p.client.Expire(p.ctx, storeName+":"+key, getExpiration()).Err(); err != nil {
		logger.Errorf("failed to set expiration: %v", err)
	}
}

func (p *RedisProvider) GetAllValues(storeName, keyPrefix string) map[string]interface{} {
	keyPrefix = applyKeyPrefix(keyPrefix)
	items := make(map[string]interface{})
	vals, err := p.client.HGetAll(p.ctx, storeName).Result()
	if err != nil {
		logger.Errorf("failed to get items: %v", err)
		return nil
	}
	for key, val := range vals {
		if strings.HasPrefix(key, keyPrefix) {
			var value interface{}
			if err := json.Unmarshal([]byte(val), &value); err != nil {
				logger.Errorf("failed to unmarshal value: %v", err)
				continue
			}
			items[removeKeyPrefix(key)] = value
		}
	}
	return items
}

func (p *RedisProvider) DeleteValue(storeName, key string) {
	key = applyKeyPrefix(key)
	if err := p.client.HDel(p.ctx, storeName, key).Err(); err != nil {
		logger.Errorf("failed to delete item: %v", err)
	}
}

func (p *RedisProvider) DeleteStore(storeName string) {
	if err := p.client.Del(p.ctx, storeName).Err(); err != nil {
		logger.Errorf("failed to delete store: %v", err)
	}
}

func getExpiration() time.Duration {
	expirationStr := os.Getenv("HIE_CACHE_REDIS_EXPIRY")
	if expirationStr == "" {
		return 30 * time.Minute
	}
	expiration, err := time.ParseDuration(expirationStr)
	if err != nil {
		logger.Errorf("invalid expiration duration: %v", err)
		return 30 * time.Minute
	}
	return expiration
}
