package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/carloslauriano/hermes/config"
	bbolt "go.etcd.io/bbolt"
)

// Buckets do armazenamento bbolt
var (
	bucketMessages      = []byte("messages")
	bucketMessageIDs    = []byte("message_ids")
	bucketSubscriptions = []byte("subscriptions")
	bucketDeliveries    = []byte("deliveries")
	bucketTemplates     = []byte("templates")
)

// BoltStorage implementa a interface Storage em um arquivo bbolt embutido.
// Os registros são gravados como JSON, indexados pelo id em big-endian.
type BoltStorage struct {
	bolt *bbolt.DB
	path string
}

// NewBoltStorage cria uma nova instância de armazenamento bbolt
func NewBoltStorage(cfg *config.DatabaseConfig) (Storage, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para bbolt: %w", err)
	}

	return &BoltStorage{
		path: cfg.Path,
	}, nil
}

// Open abre o arquivo e cria os buckets
func (s *BoltStorage) Open() error {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados bbolt: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketMessageIDs, bucketSubscriptions, bucketDeliveries, bucketTemplates} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("falha ao criar buckets bbolt: %w", err)
	}

	s.bolt = db
	return nil
}

// Close fecha o arquivo
func (s *BoltStorage) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

func idToKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func keyToID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Implementações de Message

func (s *BoltStorage) CreateMessage(message *Message) error {
	if message.Created.IsZero() {
		message.Created = time.Now().UTC()
	}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs)
		if ids.Get([]byte(message.MessageID)) != nil {
			return fmt.Errorf("message_id duplicado: %s", message.MessageID)
		}

		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		message.ID = int64(seq)

		if err := putJSON(b, idToKey(message.ID), message); err != nil {
			return err
		}
		return ids.Put([]byte(message.MessageID), idToKey(message.ID))
	})
	if err != nil {
		message.ID = 0
		return fmt.Errorf("falha ao criar mensagem: %w", err)
	}

	return nil
}

func getMessage(tx *bbolt.Tx, id int64) (*Message, error) {
	data := tx.Bucket(bucketMessages).Get(idToKey(id))
	if data == nil {
		return nil, ErrMessageNotFound
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("falha ao decodificar mensagem %d: %w", id, err)
	}
	return &m, nil
}

func (s *BoltStorage) GetMessage(id int64) (*Message, error) {
	var m *Message
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		m, err = getMessage(tx, id)
		return err
	})
	return m, err
}

func (s *BoltStorage) GetMessageByMessageID(messageID string) (*Message, error) {
	var m *Message
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketMessageIDs).Get([]byte(messageID))
		if key == nil {
			return ErrMessageNotFound
		}
		var err error
		m, err = getMessage(tx, keyToID(key))
		return err
	})
	return m, err
}

func (s *BoltStorage) ListMessages(filter MessageFilter) ([]*Message, error) {
	var messages []*Message
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("falha ao decodificar mensagem %d: %w", keyToID(k), err)
			}
			if filter.Match(&m) {
				messages = append(messages, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao listar mensagens: %w", err)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Created.Equal(messages[j].Created) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].Created.After(messages[j].Created)
	})

	if filter.Limit > 0 {
		if filter.Offset >= len(messages) {
			return nil, nil
		}
		end := filter.Offset + filter.Limit
		if end > len(messages) {
			end = len(messages)
		}
		messages = messages[filter.Offset:end]
	}

	return messages, nil
}

func (s *BoltStorage) UpdateMessage(id int64, update MessageUpdate) error {
	if err := update.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	return s.bolt.Update(func(tx *bbolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if m.Status != StatusPending {
			return ErrInvalidTransition
		}
		update.Apply(m)
		return putJSON(tx.Bucket(bucketMessages), idToKey(id), m)
	})
}

func (s *BoltStorage) DeleteMessage(id int64) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		m, err := getMessage(tx, id)
		if err == ErrMessageNotFound {
			return nil
		} else if err != nil {
			return err
		}

		// Remover entregas associadas, como o ON DELETE CASCADE do SQL
		deliveries := tx.Bucket(bucketDeliveries)
		var stale [][]byte
		err = deliveries.ForEach(func(k, v []byte) error {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.MessageID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := deliveries.Delete(k); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketMessageIDs).Delete([]byte(m.MessageID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Delete(idToKey(id))
	})
}

// Implementações de Subscription

func (s *BoltStorage) CreateSubscription(sub *Subscription) error {
	now := time.Now().UTC()
	sub.Created = now
	sub.Updated = now

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sub.ID = int64(seq)
		return putJSON(b, idToKey(sub.ID), sub)
	})
	if err != nil {
		return fmt.Errorf("falha ao criar assinatura: %w", err)
	}
	return nil
}

func (s *BoltStorage) GetSubscription(id int64) (*Subscription, error) {
	var sub Subscription
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get(idToKey(id))
		if data == nil {
			return ErrSubscriptionNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStorage) ListActiveSubscriptions(event EventType) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("falha ao decodificar assinatura %d: %w", keyToID(k), err)
			}
			if sub.Active && sub.EventType == event {
				subs = append(subs, &sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao listar assinaturas: %w", err)
	}
	return subs, nil
}

// Implementações de Delivery

func (s *BoltStorage) CreateDelivery(delivery *Delivery) error {
	if delivery.Created.IsZero() {
		delivery.Created = time.Now().UTC()
	}
	if delivery.Status == "" {
		delivery.Status = DeliveryPending
	}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSubscriptions).Get(idToKey(delivery.SubscriptionID)) == nil {
			return ErrSubscriptionNotFound
		}
		if tx.Bucket(bucketMessages).Get(idToKey(delivery.MessageID)) == nil {
			return ErrMessageNotFound
		}

		b := tx.Bucket(bucketDeliveries)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		delivery.ID = int64(seq)
		return putJSON(b, idToKey(delivery.ID), delivery)
	})
	if err != nil {
		return fmt.Errorf("falha ao criar entrega: %w", err)
	}
	return nil
}

func getDelivery(tx *bbolt.Tx, id int64) (*Delivery, error) {
	data := tx.Bucket(bucketDeliveries).Get(idToKey(id))
	if data == nil {
		return nil, ErrDeliveryNotFound
	}
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("falha ao decodificar entrega %d: %w", id, err)
	}
	return &d, nil
}

func (s *BoltStorage) GetDelivery(id int64) (*Delivery, error) {
	var d *Delivery
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		d, err = getDelivery(tx, id)
		return err
	})
	return d, err
}

func (s *BoltStorage) UpdateDelivery(id int64, update DeliveryUpdate) error {
	if err := update.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	return s.bolt.Update(func(tx *bbolt.Tx) error {
		d, err := getDelivery(tx, id)
		if err != nil {
			return err
		}
		if d.Status != DeliveryPending {
			return ErrInvalidTransition
		}
		update.Apply(d)
		return putJSON(tx.Bucket(bucketDeliveries), idToKey(id), d)
	})
}

func (s *BoltStorage) ListDeliveries(subscriptionID int64) ([]*Delivery, error) {
	var deliveries []*Delivery
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDeliveries).Cursor()
		// Percorrer do id mais alto para o mais baixo, o mais recente primeiro
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("falha ao decodificar entrega %d: %w", keyToID(k), err)
			}
			if d.SubscriptionID == subscriptionID {
				deliveries = append(deliveries, &d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao listar entregas: %w", err)
	}
	return deliveries, nil
}

// Implementações de Template

func (s *BoltStorage) CreateTemplate(tmpl *Template) error {
	now := time.Now().UTC()
	tmpl.Created = now
	tmpl.Updated = now

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b.Get([]byte(tmpl.Name)) != nil {
			return fmt.Errorf("modelo já existe: %s", tmpl.Name)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		tmpl.ID = int64(seq)
		return putJSON(b, []byte(tmpl.Name), tmpl)
	})
	if err != nil {
		return fmt.Errorf("falha ao criar modelo: %w", err)
	}
	return nil
}

func (s *BoltStorage) GetTemplate(name string) (*Template, error) {
	var tmpl Template
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(name))
		if data == nil {
			return ErrTemplateNotFound
		}
		return json.Unmarshal(data, &tmpl)
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}
