package shm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

// Buffers are chained through the transport header at the start of each
// buffer: next at +0, prev at +4. Lists are circular with a dedicated head
// node, so an empty list is a head pointing at itself.

var ErrCorruptList = errors.New("shm: corrupt list link")

func (r *Region) links(node Location) (next, prev Location, err error) {
	var b [layout.PacketHeaderSize]byte
	if err := r.check(int64(node), len(b)); err != nil {
		return 0, 0, fmt.Errorf("list node %s: %w", node, err)
	}
	copy(b[:], r.mem[node:])
	h, _ := layout.DecodePacketHeader(b[:])
	return Location(h.Next), Location(h.Prev), nil
}

func (r *Region) setNext(node, next Location) error {
	if err := r.check(int64(node), layout.PacketHeaderSize); err != nil {
		return fmt.Errorf("list node %s: %w", node, err)
	}
	binary.LittleEndian.PutUint32(r.mem[node:], uint32(next))
	return nil
}

func (r *Region) setPrev(node, prev Location) error {
	if err := r.check(int64(node), layout.PacketHeaderSize); err != nil {
		return fmt.Errorf("list node %s: %w", node, err)
	}
	binary.LittleEndian.PutUint32(r.mem[node+4:], uint32(prev))
	return nil
}

// ListInit makes head an empty list.
func (r *Region) ListInit(head Location) error {
	if err := r.setNext(head, head); err != nil {
		return err
	}
	return r.setPrev(head, head)
}

// ListIsEmpty reports whether the list at head has no nodes.
func (r *Region) ListIsEmpty(head Location) (bool, error) {
	next, _, err := r.links(head)
	if err != nil {
		return false, err
	}
	return next == head, nil
}

// ListInsertTail links node at the end of the list at head.
func (r *Region) ListInsertTail(head, node Location) error {
	_, tail, err := r.links(head)
	if err != nil {
		return err
	}
	if err := r.check(int64(tail), layout.PacketHeaderSize); err != nil {
		return fmt.Errorf("%w: tail %s: %v", ErrCorruptList, tail, err)
	}
	if err := r.setNext(node, head); err != nil {
		return err
	}
	if err := r.setPrev(node, tail); err != nil {
		return err
	}
	if err := r.setNext(tail, node); err != nil {
		return err
	}
	return r.setPrev(head, node)
}

// ListRemoveHead unlinks and returns the first node of the list at head. ok is
// false when the list is empty.
func (r *Region) ListRemoveHead(head Location) (node Location, ok bool, err error) {
	first, _, err := r.links(head)
	if err != nil {
		return 0, false, err
	}
	if first == head {
		return 0, false, nil
	}
	second, _, err := r.links(first)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCorruptList, err)
	}
	if err := r.check(int64(second), layout.PacketHeaderSize); err != nil {
		return 0, false, fmt.Errorf("%w: next of %s: %v", ErrCorruptList, first, err)
	}
	if err := r.setNext(head, second); err != nil {
		return 0, false, err
	}
	if err := r.setPrev(second, head); err != nil {
		return 0, false, err
	}
	return first, true, nil
}

// ListLen counts the nodes of the list at head. A list that does not return
// to its head within the number of nodes the region could hold is corrupt.
func (r *Region) ListLen(head Location) (int, error) {
	limit := len(r.mem) / layout.PacketHeaderSize
	n := 0
	node := head
	for {
		next, _, err := r.links(node)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrCorruptList, err)
		}
		if next == head {
			return n, nil
		}
		n++
		if n > limit {
			return n, fmt.Errorf("%w: list at %s does not terminate", ErrCorruptList, head)
		}
		node = next
	}
}
