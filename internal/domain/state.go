package domain

// Ключи состояний, которые хранит система управления заказами.
const (
	StateInitial               = "Initial"
	StatePendingFulfillment    = "PendingFulfillment"
	StateProcessingFulfillment = "ProcessingFulfillment"
	StateSuccessFulfillment    = "SuccessFulfillment"
	StateFailedFulfillment     = "FailedFulfillment"
	// Состояние заказа (не позиции), выставляемое при блокировке.
	StateSanctionedOrder = "SanctionedOrder"
)

// State — узел графа состояний исполнения.
type State struct {
	ID  string
	Key string
	// Initial отмечает встроенное начальное состояние.
	Initial bool
	// Ключи состояний, в которые разрешён переход.
	Transitions []string
}

// CanTransitionTo проверяет, разрешён ли переход в состояние с ключом toKey.
func (s State) CanTransitionTo(toKey string) bool {
	for _, key := range s.Transitions {
		if key == toKey {
			return true
		}
	}
	return false
}

// FulfillmentGraph возвращает граф состояний исполнения позиции.
// Initial переназначен так, чтобы вести только в PendingFulfillment;
// FailedFulfillment возвращается в PendingFulfillment для повторной попытки.
func FulfillmentGraph() []State {
	return []State{
		{Key: StateInitial, Initial: true, Transitions: []string{StatePendingFulfillment}},
		{Key: StatePendingFulfillment, Transitions: []string{StateProcessingFulfillment}},
		{Key: StateProcessingFulfillment, Transitions: []string{StateSuccessFulfillment, StateFailedFulfillment}},
		{Key: StateSuccessFulfillment},
		{Key: StateFailedFulfillment, Transitions: []string{StatePendingFulfillment}},
	}
}

// IsFulfillmentWalk проверяет, что последовательность ключей: путь по графу исполнения.
func IsFulfillmentWalk(keys []string) bool {
	graph := make(map[string]State)
	for _, s := range FulfillmentGraph() {
		graph[s.Key] = s
	}
	for i := 1; i < len(keys); i++ {
		from, ok := graph[keys[i-1]]
		if !ok || !from.CanTransitionTo(keys[i]) {
			return false
		}
	}
	return true
}
