package dbtcore

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/arkanejit/dbtcore/internal/jobqueue"
	"github.com/arkanejit/dbtcore/internal/parkqueue"
)

// CachedObject is one persisted block: the bytes emitted for it plus
// the relocation recipe needed to re-host them, keyed by guest RIP.
// GuestCodeHash records a hash of the guest bytes at write-back time;
// neither FetchCodeObjectFromCache nor CompileBlock compares it against
// current guest memory before serving an entry.
type CachedObject struct {
	GuestRIP GuestRIP
	GuestLen uint64
	GuestCodeHash uint64
	HostBytes []byte
	Relocations []Relocation
}

// ObjectCacheStore is the persistence backend ObjectCacheService reads from and writes
// to. A real embedder backs this with a file on disk; tests and
// in-process-only configurations use NewMemoryObjectCacheStore.
type ObjectCacheStore interface {
	Load(rip GuestRIP) (CachedObject, bool)
	Save(obj CachedObject) error
}

// MemoryObjectCacheStore is a thread-safe in-memory ObjectCacheStore.
type MemoryObjectCacheStore struct {
	mu sync.RWMutex
	objects map[GuestRIP]CachedObject
}

// NewMemoryObjectCacheStore returns an empty store.
func NewMemoryObjectCacheStore() *MemoryObjectCacheStore {
	return &MemoryObjectCacheStore{objects: make(map[GuestRIP]CachedObject)}
}

func (s *MemoryObjectCacheStore) Load(rip GuestRIP) (CachedObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[rip]
	return obj, ok
}

func (s *MemoryObjectCacheStore) Save(obj CachedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.GuestRIP] = obj
	return nil
}

// HashGuestCode computes the guest-code-hash stamped into a
// CachedObject.
func HashGuestCode(bytes []byte) uint64 { return xxhash.Sum64(bytes) }

// SerializationJob is one pending write-back to the object cache.
// RefCounter, if non-nil, is incremented by AsyncAddSerializationJob
// and decremented once the job drains; WaitForEmptyJobQueue blocks on
// exactly this counter.
type SerializationJob struct {
	RIP GuestRIP
	GuestBytes []byte
	HostBegin HostCodePtr
	HostBytes []byte
	Relocations []Relocation
	RefCounter *parkqueue.Counter
}

// ObjectCacheService is the many-producer, single-consumer
// asynchronous persistence worker. The job queue is a Michael-Scott
// lock-free queue (internal/jobqueue); the wakeup between
// AsyncAddSerializationJob and the worker goroutine is
// internal/parkqueue.Gate, using the Snapshot/WaitFrom pair to avoid
// losing a wakeup that lands between the worker's last empty check and
// its park call.
type ObjectCacheService struct {
	store ObjectCacheStore
	queue *jobqueue.Queue[*SerializationJob]
	wakeup *parkqueue.Gate
	logger Logger

	shutdown chan struct{}
	wg sync.WaitGroup
}

// NewObjectCacheService starts the background worker and returns the
// service. Callers must call Shutdown to join it.
func NewObjectCacheService(store ObjectCacheStore, logger Logger) *ObjectCacheService {
	s := &ObjectCacheService{
		store: store,
		queue: jobqueue.New[*SerializationJob](),
		wakeup: parkqueue.NewGate(),
		logger: componentLogger(logger, "objectcache"),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// FetchCodeObjectFromCache is the synchronous read path.
func (s *ObjectCacheService) FetchCodeObjectFromCache(rip GuestRIP) (CachedObject, bool) {
	return s.store.Load(rip)
}

// AsyncAddSerializationJob enqueues job for the background worker.
func (s *ObjectCacheService) AsyncAddSerializationJob(job *SerializationJob) {
	if job.RefCounter != nil {
		job.RefCounter.Add(1)
	}
	s.queue.Enqueue(job)
	s.wakeup.Ready()
}

// WaitForEmptyJobQueue blocks until refCounter reaches zero, used
// before ClearCodeCache and during thread teardown so a serialization
// worker never reads code about to be freed.
func (s *ObjectCacheService) WaitForEmptyJobQueue(refCounter *parkqueue.Counter) {
	refCounter.WaitZero()
}

// Shutdown drains the queue and joins the worker.
func (s *ObjectCacheService) Shutdown() {
	close(s.shutdown)
	s.wakeup.Ready()
	s.wg.Wait()
}

func (s *ObjectCacheService) run() {
	defer s.wg.Done()
	for {
		if job, ok := s.queue.Dequeue(); ok {
			s.process(job)
			continue
		}

		select {
		case <-s.shutdown:
			s.drain()
			return
		default:
		}

		snap := s.wakeup.Snapshot()
		if job, ok := s.queue.Dequeue(); ok {
			s.process(job)
			continue
		}
		select {
		case <-s.shutdown:
			s.drain()
			return
		default:
			s.wakeup.WaitFrom(snap)
		}
	}
}

func (s *ObjectCacheService) drain() {
	for {
		job, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		s.process(job)
	}
}

func (s *ObjectCacheService) process(job *SerializationJob) {
	obj := CachedObject{
		GuestRIP: job.RIP,
		GuestLen: uint64(len(job.GuestBytes)),
		GuestCodeHash: HashGuestCode(job.GuestBytes),
		HostBytes: job.HostBytes,
		Relocations: job.Relocations,
	}
	if err := s.store.Save(obj); err != nil {
		s.logger.WithField("rip", job.RIP).WithError(err).Warn("failed to persist object cache entry")
	}
	if job.RefCounter != nil {
		job.RefCounter.Add(-1)
	}
}
