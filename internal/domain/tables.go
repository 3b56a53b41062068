package domain

var Tables = []interface{}{
	&WaSession{},
	&WaWebhookLog{},
}
