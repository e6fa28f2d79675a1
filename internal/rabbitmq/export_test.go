package rabbitmq

func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.generation
}

func (cm *ConnectionManager) SimulateLoss(gen uint64, err error) {
	cm.handleLoss(gen, "connection", err)
}
