//go:build integration

package codegen_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"labtrace/internal/sample/codegen"
	id "labtrace/pkg/domain"
	"labtrace/pkg/testutil/containers"
)

type RedisGeneratorSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	gen   *codegen.RedisGenerator
}

func TestRedisGeneratorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisGeneratorSuite))
}

func (s *RedisGeneratorSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.gen = codegen.NewRedis(s.redis.Client)
}

func (s *RedisGeneratorSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisGeneratorSuite) TestSequentialCodes() {
	ctx := context.Background()
	plantID := id.PlantID(uuid.New())
	at := time.Date(2026, time.January, 15, 8, 30, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		code, err := s.gen.Next(ctx, plantID, "rm", at)
		s.Require().NoError(err)
		s.Equal(fmt.Sprintf("LAB-RM-20260115-%03d", i), code)
	}
}

func (s *RedisGeneratorSuite) TestSequencesAreScoped() {
	ctx := context.Background()
	plantID := id.PlantID(uuid.New())
	at := time.Date(2026, time.January, 15, 8, 30, 0, 0, time.UTC)

	first, err := s.gen.Next(ctx, plantID, "RM", at)
	s.Require().NoError(err)
	s.Equal("LAB-RM-20260115-001", first)

	s.Run("another type starts its own sequence", func() {
		code, err := s.gen.Next(ctx, plantID, "FP", at)
		s.Require().NoError(err)
		s.Equal("LAB-FP-20260115-001", code)
	})

	s.Run("another plant starts its own sequence", func() {
		code, err := s.gen.Next(ctx, id.PlantID(uuid.New()), "RM", at)
		s.Require().NoError(err)
		s.Equal("LAB-RM-20260115-001", code)
	})

	s.Run("the next day starts its own sequence", func() {
		code, err := s.gen.Next(ctx, plantID, "RM", at.AddDate(0, 0, 1))
		s.Require().NoError(err)
		s.Equal("LAB-RM-20260116-001", code)
	})
}

// TestConcurrentAllocationsAreUnique verifies INCR hands out distinct
// sequence numbers under contention.
func (s *RedisGeneratorSuite) TestConcurrentAllocationsAreUnique() {
	ctx := context.Background()
	plantID := id.PlantID(uuid.New())
	at := time.Now().UTC()
	const goroutines = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := s.gen.Next(ctx, plantID, "RM", at)
			if err != nil {
				return
			}
			mu.Lock()
			seen[code] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Len(seen, goroutines, "every allocated code must be unique")
}

func (s *RedisGeneratorSuite) TestFallbackWhenRedisUnreachable() {
	ctx := context.Background()

	dead := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer dead.Close()

	gen := codegen.NewRedis(dead)
	at := time.Date(2026, time.January, 15, 8, 30, 0, 0, time.UTC)

	code, err := gen.Next(ctx, id.PlantID(uuid.New()), "RM", at)
	s.Require().NoError(err, "registration must not fail when the sequence backend is down")
	s.Regexp(`^LAB-RM-20260115-\d+$`, code)
}
