package orderstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"order-reconciler-go/internal/models"
	"sort"
	"time"
)

const (
	lengthSize   = 4
	checksumSize = 4
	// snapshot id, both sequences, reset time and the five counts
	minRecordBody = 8 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + checksumSize
	maxStringLen  = 1 << 16
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrChecksumMismatch = errors.New("orderstore: snapshot checksum mismatch")
	ErrCorruptRecord    = errors.New("orderstore: corrupt snapshot record")
)

// snapshot is the decoded form of one record.
type snapshot struct {
	id                int64
	remoteSequence    int32
	localSequence     int32
	lastSequenceReset time.Time
	orders            []*models.PhysicalOrder // position i holds id i+1
	serials           map[int64]*models.PhysicalOrder
	positions         map[string]int64
	strategyPositions map[int32]int64
}

// encodeSnapshot appends one full record, length prefix and checksum
// included, to dst. roots are the indexed orders; serials the serial index.
func encodeSnapshot(dst []byte, snap *snapshot, roots []*models.PhysicalOrder) []byte {
	ids, ordered := assignIDs(roots, snap.serials)

	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, 0) // patched below
	dst = binary.LittleEndian.AppendUint64(dst, uint64(snap.id))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(snap.remoteSequence))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(snap.localSequence))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(unixNano(snap.lastSequenceReset)))

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ordered)))
	for _, o := range ordered {
		dst = encodeOrder(dst, o, ids)
	}

	serials := make([]int64, 0, len(snap.serials))
	for serial := range snap.serials {
		serials = append(serials, serial)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(serials)))
	for _, serial := range serials {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(serial))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(ids[snap.serials[serial]]))
	}

	symbols := make([]string, 0, len(snap.positions))
	for symbol, pos := range snap.positions {
		if pos != 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(symbols)))
	for _, symbol := range symbols {
		dst = appendString(dst, symbol)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(snap.positions[symbol]))
	}

	strategies := make([]int32, 0, len(snap.strategyPositions))
	for id, pos := range snap.strategyPositions {
		if pos != 0 {
			strategies = append(strategies, id)
		}
	}
	sort.Slice(strategies, func(i, j int) bool { return strategies[i] < strategies[j] })
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(strategies)))
	for _, id := range strategies {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(id))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(snap.strategyPositions[id]))
	}

	length := len(dst) - start - lengthSize + checksumSize
	binary.LittleEndian.PutUint32(dst[start:], uint32(length))
	sum := crc32.Checksum(dst[start:], crcTable)
	return binary.LittleEndian.AppendUint32(dst, sum)
}

// assignIDs walks the roots and the serial index, following
// OriginalOrder/ReplacedBy links, and numbers every distinct order from 1.
func assignIDs(roots []*models.PhysicalOrder, serials map[int64]*models.PhysicalOrder) (map[*models.PhysicalOrder]int32, []*models.PhysicalOrder) {
	ids := make(map[*models.PhysicalOrder]int32, len(roots))
	ordered := make([]*models.PhysicalOrder, 0, len(roots))

	var stack []*models.PhysicalOrder
	visit := func(root *models.PhysicalOrder) {
		stack = append(stack[:0], root)
		for len(stack) > 0 {
			o := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if o == nil {
				continue
			}
			if _, seen := ids[o]; seen {
				continue
			}
			ordered = append(ordered, o)
			ids[o] = int32(len(ordered))
			stack = append(stack, o.ReplacedBy, o.OriginalOrder)
		}
	}

	for _, o := range roots {
		visit(o)
	}
	keys := make([]int64, 0, len(serials))
	for serial := range serials {
		keys = append(keys, serial)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, serial := range keys {
		visit(serials[serial])
	}
	return ids, ordered
}

func encodeOrder(dst []byte, o *models.PhysicalOrder, ids map[*models.PhysicalOrder]int32) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ids[o]))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.Action))
	dst = appendString(dst, o.BrokerOrder)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.LogicalOrderID))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(o.LogicalSerialNumber))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.State))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(o.Price))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.OrderFlags))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ids[o.ReplacedBy]))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ids[o.OriginalOrder]))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.Side))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(o.CompleteSize)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(o.CumulativeSize)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(o.RemainingSize)))
	dst = appendString(dst, o.Symbol)
	dst = appendString(dst, o.Tag)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.Type))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(unixNano(o.UtcCreateTime)))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(unixNano(o.LastModifyTime)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(o.Sequence))
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// verifyRecord checks the checksum of a full record (length prefix included).
func verifyRecord(record []byte) error {
	if len(record) < lengthSize+minRecordBody {
		return ErrCorruptRecord
	}
	if int(binary.LittleEndian.Uint32(record)) != len(record)-lengthSize {
		return ErrCorruptRecord
	}
	body := record[:len(record)-checksumSize]
	want := binary.LittleEndian.Uint32(record[len(record)-checksumSize:])
	if crc32.Checksum(body, crcTable) != want {
		return ErrChecksumMismatch
	}
	return nil
}

// decodeSnapshot parses a verified record.
func decodeSnapshot(record []byte) (*snapshot, error) {
	if err := verifyRecord(record); err != nil {
		return nil, err
	}
	r := &reader{buf: record[lengthSize : len(record)-checksumSize]}

	snap := &snapshot{
		id:                r.i64(),
		remoteSequence:    r.i32(),
		localSequence:     r.i32(),
		lastSequenceReset: fromUnixNano(r.i64()),
		serials:           make(map[int64]*models.PhysicalOrder),
		positions:         make(map[string]int64),
		strategyPositions: make(map[int32]int64),
	}

	count := r.count()
	snap.orders = make([]*models.PhysicalOrder, count)
	for i := range snap.orders {
		snap.orders[i] = &models.PhysicalOrder{}
	}
	links := make([][2]int32, count)
	for i := 0; i < count && r.err == nil; i++ {
		id := r.i32()
		if id != int32(i+1) {
			r.fail("order id %d at position %d", id, i)
			break
		}
		o := snap.orders[i]
		o.Action = models.OrderAction(r.i32())
		o.BrokerOrder = r.str()
		o.LogicalOrderID = r.i32()
		o.LogicalSerialNumber = r.i64()
		o.State = models.OrderState(r.i32())
		o.Price = math.Float64frombits(r.u64())
		o.OrderFlags = models.OrderFlags(r.i32())
		links[i] = [2]int32{r.i32(), r.i32()}
		o.Side = models.OrderSide(r.i32())
		o.CompleteSize = int64(r.i32())
		o.CumulativeSize = int64(r.i32())
		o.RemainingSize = int64(r.i32())
		o.Symbol = r.str()
		o.Tag = r.str()
		o.Type = models.OrderType(r.i32())
		o.UtcCreateTime = fromUnixNano(r.i64())
		o.LastModifyTime = fromUnixNano(r.i64())
		o.Sequence = r.i32()
	}
	for i, l := range links {
		if r.err != nil {
			break
		}
		snap.orders[i].ReplacedBy = r.ref(snap.orders, l[0])
		snap.orders[i].OriginalOrder = r.ref(snap.orders, l[1])
	}

	serialCount := r.count()
	for i := 0; i < serialCount && r.err == nil; i++ {
		serial := r.i64()
		order := r.ref(snap.orders, r.i32())
		if order == nil {
			r.fail("serial %d without order", serial)
			break
		}
		snap.serials[serial] = order
	}

	positionCount := r.count()
	for i := 0; i < positionCount && r.err == nil; i++ {
		symbol := r.str()
		snap.positions[symbol] = r.i64()
	}

	strategyCount := r.count()
	for i := 0; i < strategyCount && r.err == nil; i++ {
		id := r.i32()
		snap.strategyPositions[id] = r.i64()
	}

	if r.err == nil && len(r.buf) != r.off {
		r.fail("%d trailing bytes", len(r.buf)-r.off)
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := validateChains(snap.orders); err != nil {
		return nil, err
	}
	return snap, nil
}

// validateChains rejects records whose lineage loops or whose cancels lost
// their original.
func validateChains(orders []*models.PhysicalOrder) error {
	for _, o := range orders {
		if o.Action == models.Cancel && o.OriginalOrder == nil {
			return fmt.Errorf("%w: cancel %s without original", ErrCorruptRecord, o.BrokerOrder)
		}
		steps := 0
		for p := o.OriginalOrder; p != nil; p = p.OriginalOrder {
			if steps++; steps > len(orders) {
				return fmt.Errorf("%w: lineage cycle at %s", ErrCorruptRecord, o.BrokerOrder)
			}
		}
		steps = 0
		for p := o.ReplacedBy; p != nil; p = p.ReplacedBy {
			if steps++; steps > len(orders) {
				return fmt.Errorf("%w: lineage cycle at %s", ErrCorruptRecord, o.BrokerOrder)
			}
		}
	}
	return nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCorruptRecord, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail("short read at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) count() int {
	n := r.i32()
	if n < 0 || int(n) > len(r.buf)-r.off {
		r.fail("bad count %d", n)
		return 0
	}
	return int(n)
}

func (r *reader) str() string {
	n := r.i32()
	if n < 0 || n > maxStringLen {
		r.fail("bad string length %d", n)
		return ""
	}
	return string(r.take(int(n)))
}

func (r *reader) ref(orders []*models.PhysicalOrder, id int32) *models.PhysicalOrder {
	if id == 0 {
		return nil
	}
	if id < 0 || int(id) > len(orders) {
		r.fail("reference to unknown order id %d", id)
		return nil
	}
	return orders[id-1]
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
