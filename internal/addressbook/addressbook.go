// Package addressbook keeps each chat's ordered list of registered
// addresses. Commands address entries by their 1-based position; internally
// positions are 0-based.
package addressbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"outagewatch/internal/storage"
	logx "outagewatch/pkg/logx"
)

var (
	ErrInvalidIndex = errors.New("invalid address index")
	ErrEmptyField   = errors.New("city, street and house are required")
)

type Address struct {
	// ID names per-address artifacts. Entries written before ids existed
	// get one on first load.
	ID     string `json:"id,omitempty"`
	City   string `json:"city"`
	Street string `json:"street"`
	House  string `json:"house"`
}

// String renders "City, Street House".
func (a Address) String() string {
	return fmt.Sprintf("%s, %s %s", a.City, a.Street, a.House)
}

// Book maps a chat id to its ordered addresses.
type Book map[string][]Address

type Service struct {
	mu   sync.RWMutex
	book Book
	docs *storage.Documents[Book]
	log  logx.Logger
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		book: Book{},
		docs: storage.NewDocuments[Book](store, storage.KindAddresses, log),
		log:  log.With(logx.String("comp", "addressbook")),
	}
}

// Load replaces the in-memory book with the stored one.
func (s *Service) Load(ctx context.Context) error {
	book := s.docs.Load(ctx, Book{})
	if book == nil {
		book = Book{}
	}

	backfilled := 0
	for chat, list := range book {
		for i := range list {
			if strings.TrimSpace(list[i].ID) == "" {
				list[i].ID = uuid.NewString()
				backfilled++
			}
		}
		book[chat] = list
	}

	s.mu.Lock()
	s.book = book
	s.mu.Unlock()

	if backfilled > 0 {
		s.log.Info("assigned ids to legacy addresses", logx.Int("count", backfilled))
		if err := s.docs.Save(ctx, book); err != nil {
			return fmt.Errorf("save address book: %w", err)
		}
	}
	s.log.Info("address book loaded", logx.Int("chats", len(book)))
	return nil
}

// Add appends a to chat's list and persists the book.
func (s *Service) Add(ctx context.Context, chat string, a Address) (Address, error) {
	a.City = strings.TrimSpace(a.City)
	a.Street = strings.TrimSpace(a.Street)
	a.House = strings.TrimSpace(a.House)
	if a.City == "" || a.Street == "" || a.House == "" {
		return Address{}, ErrEmptyField
	}
	a.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.book[chat] = append(s.book[chat], a)
	if err := s.saveLocked(ctx); err != nil {
		s.book[chat] = s.book[chat][:len(s.book[chat])-1]
		return Address{}, err
	}
	return a, nil
}

func (s *Service) List(chat string) []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Address(nil), s.book[chat]...)
}

// Get implements tracking.AddressSource.
func (s *Service) Get(chat string, index int) (Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.book[chat]
	if index < 0 || index >= len(list) {
		return Address{}, false
	}
	return list[index], true
}

// Delete removes the entry at index; later entries shift down by one.
func (s *Service) Delete(ctx context.Context, chat string, index int) (Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.book[chat]
	if index < 0 || index >= len(list) {
		return Address{}, ErrInvalidIndex
	}
	removed := list[index]
	next := append(append([]Address(nil), list[:index]...), list[index+1:]...)

	prev := list
	if len(next) == 0 {
		delete(s.book, chat)
	} else {
		s.book[chat] = next
	}
	if err := s.saveLocked(ctx); err != nil {
		s.book[chat] = prev
		return Address{}, err
	}
	return removed, nil
}

func (s *Service) saveLocked(ctx context.Context) error {
	if err := s.docs.Save(ctx, s.book); err != nil {
		return fmt.Errorf("save address book: %w", err)
	}
	return nil
}
