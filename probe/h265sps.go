package probe

// HEVCSPSInfo holds the resolution extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width  int
	Height int
}

// ParseHEVCSPS parses an HEVC SPS NAL unit to extract resolution. The input
// should be the raw NAL data including the 2-byte NAL header.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}

	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	if err := skipHEVCProfileTierLevel(br, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	info := HEVCSPSInfo{Width: int(width), Height: int(height)}

	confWindowFlag, err := br.readBits(1)
	if err != nil {
		return info, nil
	}
	if confWindowFlag == 1 {
		left, err := br.readUE()
		if err != nil {
			return info, nil
		}
		right, err := br.readUE()
		if err != nil {
			return info, nil
		}
		top, err := br.readUE()
		if err != nil {
			return info, nil
		}
		bottom, err := br.readUE()
		if err != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}

		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	return info, nil
}

func skipHEVCProfileTierLevel(br *bitReader, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}
	if _, err := br.readBits(1); err != nil { // general_tier_flag
		return err
	}
	if _, err := br.readBits(5); err != nil { // general_profile_idc
		return err
	}
	if _, err := br.readBits(32); err != nil { // general_profile_compatibility_flags
		return err
	}
	for i := 0; i < 6; i++ { // general_constraint_indicator_flags (48 bits)
		if _, err := br.readBits(8); err != nil {
			return err
		}
	}
	if _, err := br.readBits(8); err != nil { // general_level_idc
		return err
	}

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	var subLayerProfilePresent [8]bool
	var subLayerLevelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		pp, err := br.readBits(1)
		if err != nil {
			return err
		}
		subLayerProfilePresent[i] = pp == 1
		lp, err := br.readBits(1)
		if err != nil {
			return err
		}
		subLayerLevelPresent[i] = lp == 1
	}
	if maxSubLayersMinus1 < 8 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := br.readBits(2); err != nil {
				return err
			}
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			if _, err := br.readBits(32); err != nil {
				return err
			}
			if _, err := br.readBits(32); err != nil {
				return err
			}
			if _, err := br.readBits(24); err != nil {
				return err
			}
		}
		if subLayerLevelPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}
