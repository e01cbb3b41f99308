package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/sched"
)

// BindingName is the page function through which injected JS reports back.
const BindingName = "__adslot_binding"

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Global is the ad library namespace on window. Default: "adslot".
	Global string
	// TagGlobal is the tag-manager namespace on window. Default: "googletag".
	TagGlobal string
	// CallTimeout bounds every CDP round-trip. Default: 5s.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (c *BridgeConfig) defaults() {
	if c.Global == "" {
		c.Global = "adslot"
	}
	if c.TagGlobal == "" {
		c.TagGlobal = "googletag"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// event is the payload injected JS sends through the binding.
type event struct {
	Kind    string `json:"kind"` // load | error | queue | init
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Bridge connects one page to the runtime scheduler. Go callbacks handed to
// the page (script load results, queued functions, the init callback) are
// registered under an id; JS reports the id through the binding and the
// callback is posted onto the scheduler.
type Bridge struct {
	page   *rod.Page
	s      sched.Scheduler
	cfg    BridgeConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID uint64
	loads  map[uint64]func(error)
	queued map[uint64]func()
	init   func()
}

// NewBridge installs the binding on page and starts listening for calls.
// Close stops the listener.
func NewBridge(page *rod.Page, s sched.Scheduler, cfg BridgeConfig) (*Bridge, error) {
	b := newBridge(s, cfg)
	b.page = page
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		b.cancel()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	wait := page.Context(b.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != BindingName {
			return
		}
		b.dispatch(e.Payload)
	})
	go wait()
	return b, nil
}

func newBridge(s sched.Scheduler, cfg BridgeConfig) *Bridge {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		s:      s,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		loads:  make(map[uint64]func(error)),
		queued: make(map[uint64]func()),
	}
}

// Close stops the binding listener. Callbacks still registered never run.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	clear(b.loads)
	clear(b.queued)
	b.init = nil
	b.mu.Unlock()
}

// Document returns the page as an adnet.Document.
func (b *Bridge) Document() *Document { return &Document{b: b} }

// Namespace returns the ad library global as an adnet.Namespace.
func (b *Bridge) Namespace() *Namespace { return &Namespace{b: b} }

// TagManager returns the tag-manager global as an adnet.TagManager.
func (b *Bridge) TagManager() *TagManager { return &TagManager{b: b} }

func (b *Bridge) dispatch(payload string) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.cfg.Logger.Warn("browser: parse binding payload", "error", err)
		return
	}

	b.mu.Lock()
	var task sched.Task
	switch ev.Kind {
	case "load", "error":
		done, ok := b.loads[ev.ID]
		if ok {
			delete(b.loads, ev.ID)
			var err error
			if ev.Kind == "error" {
				err = fmt.Errorf("browser: script error: %s", ev.Message)
			}
			task = func() { done(err) }
		}
	case "queue":
		if fn, ok := b.queued[ev.ID]; ok {
			delete(b.queued, ev.ID)
			task = sched.Task(fn)
		}
	case "init":
		if fn := b.init; fn != nil {
			task = sched.Task(fn)
		}
	default:
		b.cfg.Logger.Debug("browser: unknown binding event", "kind", ev.Kind)
	}
	b.mu.Unlock()

	if task != nil {
		b.s.Post(task)
	}
}

func (b *Bridge) register(m map[uint64]func(), fn func()) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m[b.nextID] = fn
	return b.nextID
}

func (b *Bridge) registerLoad(done func(error)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.loads[b.nextID] = done
	return b.nextID
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.loads, id)
	delete(b.queued, id)
	b.mu.Unlock()
}

func (b *Bridge) eval(js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	if b.page == nil {
		return nil, fmt.Errorf("browser: bridge has no page")
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CallTimeout)
	defer cancel()
	return b.page.Context(ctx).Eval(js, args...)
}

// selector renders a Match as a CSS selector.
func selector(m adnet.Match) string {
	var sb strings.Builder
	if m.Tag == "" {
		sb.WriteString("*")
	} else {
		sb.WriteString(m.Tag)
	}
	keys := make([]string, 0, len(m.Attrs))
	for k := range m.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("[")
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(cssQuote(m.Attrs[k]))
		sb.WriteString(`"]`)
	}
	return sb.String()
}

func cssQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return r.Replace(v)
}
