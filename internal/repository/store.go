package repository

import "database/sql"

// Store bundles the repositories sharing one database handle
type Store struct {
	DB            *sql.DB
	Tenants       *TenantRepository
	Instances     *InstanceRepository
	Contacts      *ContactRepository
	Calendars     *CalendarRepository
	Campaigns     *CampaignRepository
	Recipients    *RecipientRepository
	Logs          *LogRepository
	Notifications *NotificationRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:            db,
		Tenants:       NewTenantRepository(db),
		Instances:     NewInstanceRepository(db),
		Contacts:      NewContactRepository(db),
		Calendars:     NewCalendarRepository(db),
		Campaigns:     NewCampaignRepository(db),
		Recipients:    NewRecipientRepository(db),
		Logs:          NewLogRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}
