package store

// Settings keys backing the channel profile. The discord_* pair mirrors the
// channel metadata observed from Discord; the profile_* pair is the admin
// override and wins when set.
const (
	settingProfileName      = "profile_name"
	settingProfileMission   = "profile_mission"
	settingProfileUpdatedAt = "profile_updated_at"
	settingChannelName      = "discord_channel_name"
	settingChannelTopic     = "discord_channel_topic"
)

// ChannelProfileGet resolves the room profile: admin override first, then
// observed Discord channel metadata, then the configured defaults.
func (s *Store) ChannelProfileGet(defaultName, defaultMission string) (*ChannelProfile, error) {
	p := &ChannelProfile{Name: defaultName, Mission: defaultMission}

	if v, ok, err := s.Setting(settingChannelName); err != nil {
		return nil, err
	} else if ok && v != "" {
		p.Name = v
	}
	if v, ok, err := s.Setting(settingChannelTopic); err != nil {
		return nil, err
	} else if ok && v != "" {
		p.Mission = v
	}

	if v, ok, err := s.Setting(settingProfileName); err != nil {
		return nil, err
	} else if ok && v != "" {
		p.Name = v
	}
	if v, ok, err := s.Setting(settingProfileMission); err != nil {
		return nil, err
	} else if ok && v != "" {
		p.Mission = v
	}
	if v, ok, err := s.Setting(settingProfileUpdatedAt); err != nil {
		return nil, err
	} else if ok {
		p.UpdatedAt = v
	}
	return p, nil
}

// ChannelProfileSet stores the admin override.
func (s *Store) ChannelProfileSet(name, mission string) (*ChannelProfile, error) {
	now := nowISO()
	if err := s.SetSetting(settingProfileName, name); err != nil {
		return nil, err
	}
	if err := s.SetSetting(settingProfileMission, mission); err != nil {
		return nil, err
	}
	if err := s.SetSetting(settingProfileUpdatedAt, now); err != nil {
		return nil, err
	}
	return &ChannelProfile{Name: name, Mission: mission, UpdatedAt: now}, nil
}

// UpsertObservedChannelProfile persists the latest Discord channel metadata.
// Empty values are stored as empty strings so a cleared topic or renamed
// channel does not leave stale values behind.
func (s *Store) UpsertObservedChannelProfile(channelName, channelTopic string) error {
	if err := s.SetSetting(settingChannelName, channelName); err != nil {
		return err
	}
	return s.SetSetting(settingChannelTopic, channelTopic)
}
