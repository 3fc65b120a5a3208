package search

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

var ErrClosed = errors.New("search engine closed")

// ProfileDoc 可检索的跑者档案
type ProfileDoc struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// Hit 检索命中
type Hit struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"score"`
}

// Config 检索引擎配置
type Config struct {
	// 索引文件路径，空则使用内存索引
	IndexPath string
	// 默认返回条数
	DefaultLimit int
}

// Engine 跑者检索：按昵称找人
type Engine interface {
	Index(ctx context.Context, doc ProfileDoc) error
	IndexBatch(ctx context.Context, docs []ProfileDoc) error
	Delete(ctx context.Context, userID string) error
	Search(ctx context.Context, keyword string, limit int) ([]Hit, error)
	Close() error
}

type bleveEngine struct {
	cfg    Config
	index  bleve.Index
	mu     sync.RWMutex
	closed bool
}

// New 创建检索引擎。索引文件存在则打开，否则新建；IndexPath 为空走纯内存。
func New(cfg Config) (Engine, error) {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}

	var idx bleve.Index
	if cfg.IndexPath == "" {
		i, err := bleve.NewMemOnly(newProfileMapping())
		if err != nil {
			return nil, err
		}
		idx = i
	} else if _, err := os.Stat(cfg.IndexPath); err == nil {
		i, e := bleve.Open(cfg.IndexPath)
		if e != nil {
			return nil, e
		}
		idx = i
	} else if os.IsNotExist(err) {
		i, e := bleve.New(cfg.IndexPath, newProfileMapping())
		if e != nil {
			return nil, e
		}
		idx = i
	} else {
		return nil, err
	}

	return &bleveEngine{cfg: cfg, index: idx}, nil
}

func (e *bleveEngine) guard() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *bleveEngine) Index(ctx context.Context, doc ProfileDoc) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.index.Index(doc.UserID, doc)
}

func (e *bleveEngine) IndexBatch(ctx context.Context, docs []ProfileDoc) error {
	if err := e.guard(); err != nil {
		return err
	}
	batch := e.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.UserID, doc); err != nil {
			return err
		}
	}
	return e.index.Batch(batch)
}

func (e *bleveEngine) Delete(ctx context.Context, userID string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.index.Delete(userID)
}

// Search 昵称匹配 + 前缀匹配的并集，只返回 active 档案
func (e *bleveEngine) Search(ctx context.Context, keyword string, limit int) ([]Hit, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	match := bleve.NewMatchQuery(keyword)
	match.SetField("display_name")
	prefix := bleve.NewPrefixQuery(keyword)
	prefix.SetField("display_name")
	name := bleve.NewDisjunctionQuery(match, prefix)

	active := bleve.NewBoolFieldQuery(true)
	active.SetField("active")

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(name, active), limit, 0, false)
	req.Fields = []string{"display_name"}

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{UserID: h.ID, Score: h.Score}
		if name, ok := h.Fields["display_name"].(string); ok {
			hit.DisplayName = name
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (e *bleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}
