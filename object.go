package guillotina

// Object is the in-memory node of the persisted tree.
//
// Implementations embed Persistent for identity bookkeeping and supply TypeName and
// IsResource themselves.
type Object interface {
	OID() string
	SetOID(oid string)
	// Serial is the tid the object was last loaded or stored at, 0 when never persisted.
	Serial() uint64
	SetSerial(tid uint64)
	// Name is the local traversal id, unique among siblings.
	Name() string
	SetName(name string)

	Parent() Object
	SetParent(parent Object)
	// ParentOID is the parent's oid, available even when Parent was not materialized.
	ParentOID() string
	SetParentOID(oid string)

	// Of is the resource this object annotates, nil for resources.
	Of() Object
	SetOf(owner Object)
	OfOID() string
	SetOfOID(oid string)

	// Jar is the transaction that loaded or registered the object, nil outside a unit of work.
	Jar() Jar
	SetJar(jar Jar)

	TypeName() string
	IsResource() bool
}

// Jar is the non-owning back-reference an object holds to its transaction.
type Jar interface {
	Register(obj Object) error
	Delete(obj Object) error
}

// ConflictResolver may be implemented by objects that can reconcile their pending
// state with a version committed concurrently. Returning true accepts the write.
type ConflictResolver interface {
	ResolveConflict(committed *ObjectRecord) bool
}

// Persistent carries the identity fields every Object needs. Embed it.
type Persistent struct {
	oid       string
	serial    uint64
	name      string
	parent    Object
	parentOID string
	of        Object
	ofOID     string
	jar       Jar
}

func (p *Persistent) OID() string          { return p.oid }
func (p *Persistent) SetOID(oid string)    { p.oid = oid }
func (p *Persistent) Serial() uint64       { return p.serial }
func (p *Persistent) SetSerial(tid uint64) { p.serial = tid }
func (p *Persistent) Name() string         { return p.name }
func (p *Persistent) SetName(name string)  { p.name = name }
func (p *Persistent) Parent() Object       { return p.parent }
func (p *Persistent) Jar() Jar             { return p.jar }
func (p *Persistent) SetJar(jar Jar)       { p.jar = jar }
func (p *Persistent) Of() Object           { return p.of }

// SetParent links the parent and records its oid.
func (p *Persistent) SetParent(parent Object) {
	p.parent = parent
	if parent != nil {
		p.parentOID = parent.OID()
	}
}

// ParentOID prefers the live parent's oid; the parent may have been assigned one after linking.
func (p *Persistent) ParentOID() string {
	if p.parent != nil && p.parent.OID() != "" {
		return p.parent.OID()
	}
	return p.parentOID
}

func (p *Persistent) SetParentOID(oid string) { p.parentOID = oid }

// SetOf links the annotated resource and records its oid.
func (p *Persistent) SetOf(owner Object) {
	p.of = owner
	if owner != nil {
		p.ofOID = owner.OID()
	}
}

func (p *Persistent) OfOID() string {
	if p.of != nil && p.of.OID() != "" {
		return p.of.OID()
	}
	return p.ofOID
}

func (p *Persistent) SetOfOID(oid string) { p.ofOID = oid }

// ObjectRecord is one row of the objects table.
type ObjectRecord struct {
	OID       string         `msgpack:"zoid" json:"zoid"`
	TID       uint64         `msgpack:"tid" json:"tid"`
	StateSize int64          `msgpack:"state_size" json:"state_size"`
	Part      int64          `msgpack:"part" json:"part"`
	Resource  bool           `msgpack:"resource" json:"resource"`
	Of        string         `msgpack:"of,omitempty" json:"of,omitempty"`
	OTID      uint64         `msgpack:"otid" json:"otid"`
	ParentID  string         `msgpack:"parent_id,omitempty" json:"parent_id,omitempty"`
	ID        string         `msgpack:"id" json:"id"`
	Type      string         `msgpack:"type" json:"type"`
	JSON      map[string]any `msgpack:"json,omitempty" json:"json,omitempty"`
	State     []byte         `msgpack:"state" json:"state"`
}

// StubType marks the placeholder row created when a blob chunk is written for an
// object that has not been stored yet.
const StubType = "__stub__"

// IsStub reports whether the record is a blob placeholder row.
func (r *ObjectRecord) IsStub() bool {
	return r.Type == StubType
}

// Writer turns an Object into the columns of its row.
type Writer interface {
	Serialize() ([]byte, error)
	JSON() (map[string]any, error)
	Resource() bool
	Of() string
	ParentID() string
	ID() string
	Type() string
	Part() int64
}

// WriterFactory returns the Writer for obj.
type WriterFactory func(obj Object) (Writer, error)

// Reader materializes a record into an Object stamped with oid, tid and id.
type Reader interface {
	Read(rec *ObjectRecord) (Object, error)
}
