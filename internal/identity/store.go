package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gymflag/internal/model"
)

// customerNamespace は正規顧客IDを導出するUUIDv5の名前空間。
// 同じ (source, platform_id) からは常に同じ正規顧客IDが得られる。
var customerNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("gymflag/canonical-customer"))

// Match は識別子の解決結果。
type Match struct {
	CustomerID string
	Confidence model.Confidence
}

type indexKey struct {
	typ   model.IdentifierType
	value string
}

// Store は識別子から正規顧客IDへの対応表。
// 追記のみで、既存の対応を上書きしない（先に登録されたものが優先）。
// バッチ開始時に構築し、評価中は読み取り専用として並列に参照される。
type Store struct {
	mu        sync.RWMutex
	index     map[indexKey]model.Identifier
	names     map[string]string
	customers map[string]model.CanonicalCustomer
	contacts  map[string]model.Contact
	order     []string
	log       []model.Identifier
	now       func() time.Time
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		index:     make(map[indexKey]model.Identifier),
		names:     make(map[string]string),
		customers: make(map[string]model.CanonicalCustomer),
		contacts:  make(map[string]model.Contact),
		now:       time.Now,
	}
}

// CustomerIDFor は (source, platformID) から導出される正規顧客IDを返す。
func CustomerIDFor(source, platformID string) string {
	return uuid.NewSHA1(customerNamespace, []byte(source+":"+NormalizePlatformID(platformID))).String()
}

// Register は顧客名簿の1行を登録する。
// 正規顧客はここでのみ作成される。帰属先不明のレコードから作成されることはない。
// 戻り値のboolは今回新たに正規顧客を作成した場合にtrue。
func (s *Store) Register(source string, rec model.CustomerRecord) (model.CanonicalCustomer, bool, error) {
	platformID := NormalizePlatformID(rec.CustomerID)
	if platformID == "" {
		return model.CanonicalCustomer{}, false, model.NewMalformedRecordError(source, "customer_id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := CustomerIDFor(source, platformID)
	now := s.now()

	customer, exists := s.customers[id]
	if !exists {
		customer = model.CanonicalCustomer{
			ID:          id,
			DisplayName: rec.DisplayName(),
			CreatedAt:   now,
		}
		s.customers[id] = customer
		s.order = append(s.order, id)
	}

	s.appendLocked(model.Identifier{
		Source:          source,
		SourceID:        platformID,
		Type:            model.IdentifierPlatformID,
		NormalizedValue: platformID,
		CustomerID:      id,
		Confidence:      model.ConfidenceExact,
		CreatedAt:       now,
	})
	if email := NormalizeEmail(rec.Email); email != "" {
		s.appendLocked(model.Identifier{
			Source:          source,
			SourceID:        platformID,
			Type:            model.IdentifierEmail,
			NormalizedValue: email,
			CustomerID:      id,
			Confidence:      model.ConfidenceHigh,
			CreatedAt:       now,
		})
	}
	if phone := NormalizePhone(rec.Phone); phone != "" {
		s.appendLocked(model.Identifier{
			Source:          source,
			SourceID:        platformID,
			Type:            model.IdentifierPhone,
			NormalizedValue: phone,
			CustomerID:      id,
			Confidence:      model.ConfidenceHigh,
			CreatedAt:       now,
		})
	}
	if name := NormalizeName(rec.DisplayName()); name != "" {
		if _, taken := s.names[name]; !taken {
			s.names[name] = id
		}
	}

	contact := s.contacts[id]
	contact.PlatformID = platformID
	if contact.Email == "" {
		contact.Email = rec.Email
	}
	if contact.Phone == "" {
		contact.Phone = rec.Phone
	}
	s.contacts[id] = contact

	return customer, !exists, nil
}

// appendLocked は識別子を履歴に追記し、未登録の値であれば索引に加える。
func (s *Store) appendLocked(ident model.Identifier) {
	key := indexKey{typ: ident.Type, value: ident.NormalizedValue}
	if existing, ok := s.index[key]; ok {
		if existing.CustomerID == ident.CustomerID {
			return
		}
		// 別顧客が既に同じ値を持つ場合も上書きしない
		s.log = append(s.log, ident)
		return
	}
	s.index[key] = ident
	s.log = append(s.log, ident)
}

// Resolve は生の識別子を正規化して正規顧客IDを引く。
func (s *Store) Resolve(raw string, typ model.IdentifierType) (Match, bool) {
	var value string
	switch typ {
	case model.IdentifierEmail:
		value = NormalizeEmail(raw)
	case model.IdentifierPhone:
		value = NormalizePhone(raw)
	case model.IdentifierPlatformID:
		value = NormalizePlatformID(raw)
	default:
		return Match{}, false
	}
	if value == "" {
		return Match{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.index[indexKey{typ: typ, value: value}]
	if !ok {
		return Match{}, false
	}
	return Match{CustomerID: ident.CustomerID, Confidence: ident.Confidence}, true
}

// ResolveName は表示名で正規顧客IDを引く。
// 同姓同名を区別できないため信頼度は常にmediumで、最後の手段としてのみ使う。
func (s *Store) ResolveName(raw string) (Match, bool) {
	name := NormalizeName(raw)
	if name == "" {
		return Match{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[name]
	if !ok {
		return Match{}, false
	}
	return Match{CustomerID: id, Confidence: model.ConfidenceMedium}, true
}

// Contact は顧客の連絡先を返す。
func (s *Store) Contact(customerID string) (model.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[customerID]
	return c, ok
}

// Customer は正規顧客を返す。
func (s *Store) Customer(customerID string) (model.CanonicalCustomer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[customerID]
	return c, ok
}

// Customers は登録順に全正規顧客を返す。
func (s *Store) Customers() []model.CanonicalCustomer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CanonicalCustomer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.customers[id])
	}
	return out
}

// Identifiers は追記された識別子の履歴のコピーを返す。
func (s *Store) Identifiers() []model.Identifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Identifier, len(s.log))
	copy(out, s.log)
	return out
}

// Len は正規顧客数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.customers)
}
