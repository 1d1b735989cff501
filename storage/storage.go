package storage

import (
	"errors"
	"fmt"

	"github.com/carloslauriano/hermes/config"
)

// ErrMessageNotFound é retornado quando uma mensagem não é encontrada
var ErrMessageNotFound = errors.New("mensagem não encontrada")

// ErrSubscriptionNotFound é retornado quando uma assinatura não é encontrada
var ErrSubscriptionNotFound = errors.New("assinatura não encontrada")

// ErrDeliveryNotFound é retornado quando uma entrega não é encontrada
var ErrDeliveryNotFound = errors.New("entrega não encontrada")

// ErrTemplateNotFound é retornado quando um modelo não é encontrado
var ErrTemplateNotFound = errors.New("modelo não encontrado")

// ErrInvalidTransition é retornado quando uma atualização tentaria mudar um
// registro que já está em estado terminal
var ErrInvalidTransition = errors.New("transição de status inválida")

// Storage é a interface para operações de armazenamento. Cada escrita é
// confirmada imediatamente.
type Storage interface {
	// Métodos de inicialização
	Open() error
	Close() error

	// Métodos de mensagem
	CreateMessage(message *Message) error
	GetMessage(id int64) (*Message, error)
	GetMessageByMessageID(messageID string) (*Message, error)
	ListMessages(filter MessageFilter) ([]*Message, error)
	UpdateMessage(id int64, update MessageUpdate) error
	DeleteMessage(id int64) error

	// Métodos de assinatura
	CreateSubscription(sub *Subscription) error
	GetSubscription(id int64) (*Subscription, error)
	ListActiveSubscriptions(event EventType) ([]*Subscription, error)

	// Métodos de entrega
	CreateDelivery(delivery *Delivery) error
	GetDelivery(id int64) (*Delivery, error)
	UpdateDelivery(id int64, update DeliveryUpdate) error
	ListDeliveries(subscriptionID int64) ([]*Delivery, error)

	// Métodos de modelo
	CreateTemplate(tmpl *Template) error
	GetTemplate(name string) (*Template, error)
}

// NewStorage cria uma nova instância de armazenamento com base na configuração
func NewStorage(cfg *config.Config) (Storage, error) {
	switch cfg.Database.Type {
	case "sqlite":
		return NewSQLiteStorage(&cfg.Database)
	case "postgres":
		return NewPostgresStorage(&cfg.Database)
	case "bolt":
		return NewBoltStorage(&cfg.Database)
	default:
		return nil, fmt.Errorf("tipo de banco de dados não suportado: %s", cfg.Database.Type)
	}
}
